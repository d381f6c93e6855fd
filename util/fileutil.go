package util

import (
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"

	"github.com/zhukovaskychina/blockcache/logger"
)

func ListFileDirByPath(path string) map[string]string {
	resultMap := make(map[string]string)
	files, _ := ioutil.ReadDir(path)
	for _, f := range files {
		if f.IsDir() {
			dbName := f.Name()
			resultMap[dbName] = dbName
		}
	}
	return resultMap
}

func CreateDataBaseDir(Path string, folderName string) bool {
	folderPath := filepath.Join(Path, folderName)
	if _, err := os.Stat(folderPath); os.IsNotExist(err) {
		os.Mkdir(folderPath, 0777)
		os.Chmod(folderPath, 0777)
	}
	return true
}

func CreateFile(filePath string, fileName string) error {
	f, err := os.Create(path.Join(filePath, fileName))
	if err != nil {
		logger.Errorf("create file failed: %v", err)
		return err
	}
	defer f.Close()
	return nil
}

func CreateFileWithPath(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		logger.Errorf("create file failed: %v", err)
		return err
	}
	defer f.Close()
	return nil
}

func CreateFileBySize(filePath string, fileName string, size int64) error {
	f, err := os.Create(path.Join(filePath, fileName))
	if err != nil {
		logger.Errorf("create file failed: %v", err)
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}
	return nil
}

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func WriteToFileByAppendBytes(filepath string, fileName string, content []byte) error {
	f, err := os.OpenFile(path.Join(filepath, fileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		logger.Errorf("open file for append failed: %v", err)
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	if err != nil {
		logger.Errorf("append write failed: %v", err)
	}
	return err
}

func ReadFileContent(filepath string, fileName string) ([]byte, error) {
	data, err := ioutil.ReadFile(path.Join(filepath, fileName))
	if err != nil {
		logger.Errorf("read file failed: %v", err)
		return nil, err
	}
	return data, nil
}

// ReadFileBySeekStart reads a fixed 16KiB window from filePath starting at
// offset. offset may exceed the file's current length; the returned slice
// then stops at end of file (empty when offset is at or past it) rather
// than being padded with zero bytes.
func ReadFileBySeekStart(filePath string, offset uint64) ([]byte, error) {
	return ReadFileBySeekStartWithSize(filePath, offset, 16384)
}

// ReadFileBySeekStartWithSize reads size bytes from filePath starting at
// offset, without disturbing any other reader/writer's file position
// (ReadAt does not depend on the prior Seek).
func ReadFileBySeekStartWithSize(filePath string, offset uint64, size int) ([]byte, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := make([]byte, size)
	n, err := f.ReadAt(b, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return b[:n], nil
}

// WriteFileBySeekStart writes data to filePath at offset using WriteAt, so
// concurrent callers on distinct offsets don't race on a shared seek cursor.
func WriteFileBySeekStart(filePath string, offset uint64, data []byte) error {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, int64(offset))
	return err
}
