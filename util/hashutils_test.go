package util

import "testing"

func TestHashConsistency(t *testing.T) {
	data := []byte("788788")
	if HashCode(data) != HashCode(data) {
		t.Errorf("hash should be deterministic")
	}
}

func TestHashCodeDiffersForDifferentKeys(t *testing.T) {
	if HashCode([]byte("key-a")) == HashCode([]byte("key-b")) {
		t.Errorf("distinct keys should hash differently")
	}
}
