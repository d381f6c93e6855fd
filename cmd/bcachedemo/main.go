package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhukovaskychina/blockcache/blockcache"
	"github.com/zhukovaskychina/blockcache/logger"
	"github.com/zhukovaskychina/blockcache/server/conf"
)

const (
	blockSize     = 4096
	blocksPerPage = 4 // 16KiB pages tiled by 4KiB blocks
)

func main() {
	configPath := flag.String("config", "", "path to an INI config file (optional)")
	dataDir := flag.String("data-dir", "./data", "directory holding the demo device file")
	flag.Parse()

	logger.Init(logger.Config{Level: "info"})

	cfg, err := conf.Load(&conf.CommandLineArgs{ConfigPath: *configPath})
	if err != nil {
		logger.Warnf("config load failed, continuing with defaults: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Errorf("failed to create data dir: %v", err)
		os.Exit(1)
	}

	devicePath := filepath.Join(cfg.DataDir, "device.img")
	device, err := blockcache.OpenFileDevice(devicePath, blockSize)
	if err != nil {
		logger.Errorf("failed to open device: %v", err)
		os.Exit(1)
	}
	defer device.Close()

	wbCfg := blockcache.WritebackConfig{
		DirtyWritebackInterval:   cfg.DirtyWritebackInterval,
		DirtyExpireInterval:      cfg.DirtyExpireInterval,
		BackgroundDirtyThreshold: cfg.BackgroundDirtyThreshold,
		MaxWritebackPages:        cfg.MaxWritebackPages,
		WorkerIdleTimeout:        cfg.WorkerIdleTimeout,
		Workers:                  2,
	}
	bdi := blockcache.NewBDI(wbCfg)
	bdi.StartBackground()
	defer bdi.Stop()

	sb := blockcache.NewSuperblock(device, bdi)
	defer sb.Unmount()

	cache := blockcache.NewCache(cfg.ShardCount, 512, cfg.YoungPercent, cfg.MaxGrowRetries)

	inode := sb.GetOrCreateInode(1)
	mapping := inode.Mapping()

	payload := make([]byte, blockSize*blocksPerPage*3)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	logger.Infof("writing %d bytes across %d pages", len(payload), len(payload)/(blockSize*blocksPerPage))
	if err := blockcache.WriteRange(mapping, cache, device, blockSize, blocksPerPage, 0, payload, cache.Stats()); err != nil {
		logger.Errorf("WriteRange failed: %v", err)
		os.Exit(1)
	}

	logger.Info("forcing a synchronous writeback of the inode")
	if err := blockcache.SyncInode(bdi, inode); err != nil {
		logger.Errorf("SyncInode failed: %v", err)
		os.Exit(1)
	}

	pageCount := len(payload) / (blockSize * blocksPerPage)
	pages, err := blockcache.ReadRange(mapping, cache, device, blockSize, blocksPerPage, 0, pageCount, cache.Stats())
	if err != nil {
		logger.Errorf("ReadRange failed: %v", err)
		os.Exit(1)
	}

	mismatch := false
	offset := 0
	for _, page := range pages {
		for _, bh := range page.Blocks() {
			for i, b := range bh.Data() {
				if b != payload[offset+i] {
					mismatch = true
				}
			}
			offset += bh.Size()
		}
	}

	stats := cache.Stats()
	fmt.Printf("hits=%d misses=%d hit_rate=%.2f reads=%d writes=%d grows=%d\n",
		stats.Hits(), stats.Misses(), stats.HitRate(), stats.Reads(), stats.Writes(), stats.Grows())
	if mismatch {
		fmt.Println("readback mismatch detected")
		os.Exit(1)
	}
	fmt.Println("readback verified OK")

	time.Sleep(10 * time.Millisecond)
}
