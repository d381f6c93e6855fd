package conf

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
[writeback]
dirty_writeback_interval = 5s
dirty_expire_interval    = 30s
background_dirty_threshold = 100
max_writeback_pages      = 1024
worker_idle_timeout      = 10s
max_grow_retries         = 0

[cache]
shard_count    = 0
young_percent  = 75
data_dir       = ./data
*/
type Cfg struct {
	Raw *ini.File

	DataDir string
	AppName string

	// writeback tunables, mirrored 1:1 from the [writeback] section.
	DirtyWritebackInterval time.Duration
	DirtyExpireInterval    time.Duration
	BackgroundDirtyThreshold int
	MaxWritebackPages        int
	WorkerIdleTimeout        time.Duration
	MaxGrowRetries           int

	// cache tunables, from the [cache] section.
	ShardCount   int
	YoungPercent int
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                      ini.Empty(),
		DataDir:                  "./data",
		AppName:                  "blockcache",
		DirtyWritebackInterval:   5 * time.Second,
		DirtyExpireInterval:      30 * time.Second,
		BackgroundDirtyThreshold: 100,
		MaxWritebackPages:        1024,
		WorkerIdleTimeout:        10 * time.Second,
		MaxGrowRetries:           0,
		ShardCount:               runtime.GOMAXPROCS(0),
		YoungPercent:             75,
	}
}

// Load reads the INI file named by args.ConfigPath, falling back to the
// built-in defaults for any key the file doesn't set. A missing or
// unparseable file is not fatal: Load returns the defaults and the error,
// leaving the decision to exit to the caller.
func Load(args *CommandLineArgs) (*Cfg, error) {
	cfg := NewCfg()
	setHomePath(args)

	if args.ConfigPath == "" {
		return cfg, nil
	}

	iniFile, err := ini.Load(args.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("load config %q: %w", args.ConfigPath, err)
	}
	cfg.Raw = iniFile

	if err := cfg.parseWritebackCfg(iniFile.Section("writeback")); err != nil {
		return cfg, err
	}
	if err := cfg.parseCacheCfg(iniFile.Section("cache")); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath, _ = filepath.Abs(filepath.Dir(args.ConfigPath))
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) parseWritebackCfg(section *ini.Section) error {
	if key, err := section.GetKey("dirty_writeback_interval"); err == nil {
		d, perr := time.ParseDuration(key.Value())
		if perr != nil {
			return fmt.Errorf("dirty_writeback_interval: %w", perr)
		}
		cfg.DirtyWritebackInterval = d
	}
	if key, err := section.GetKey("dirty_expire_interval"); err == nil {
		d, perr := time.ParseDuration(key.Value())
		if perr != nil {
			return fmt.Errorf("dirty_expire_interval: %w", perr)
		}
		cfg.DirtyExpireInterval = d
	}
	if key, err := section.GetKey("background_dirty_threshold"); err == nil {
		cfg.BackgroundDirtyThreshold = key.MustInt(cfg.BackgroundDirtyThreshold)
	}
	if key, err := section.GetKey("max_writeback_pages"); err == nil {
		cfg.MaxWritebackPages = key.MustInt(cfg.MaxWritebackPages)
	}
	if key, err := section.GetKey("worker_idle_timeout"); err == nil {
		d, perr := time.ParseDuration(key.Value())
		if perr != nil {
			return fmt.Errorf("worker_idle_timeout: %w", perr)
		}
		cfg.WorkerIdleTimeout = d
	}
	if key, err := section.GetKey("max_grow_retries"); err == nil {
		cfg.MaxGrowRetries = key.MustInt(cfg.MaxGrowRetries)
	}
	return nil
}

func (cfg *Cfg) parseCacheCfg(section *ini.Section) error {
	if key, err := section.GetKey("shard_count"); err == nil {
		if n := key.MustInt(cfg.ShardCount); n > 0 {
			cfg.ShardCount = n
		}
	}
	if key, err := section.GetKey("young_percent"); err == nil {
		cfg.YoungPercent = key.MustInt(cfg.YoungPercent)
	}
	if key, err := section.GetKey("data_dir"); err == nil {
		cfg.DataDir = key.MustString(cfg.DataDir)
	}
	return nil
}
