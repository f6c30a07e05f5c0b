package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tapeworks/shelf/pkg/types"
)

// Config is the static configuration of the shelf daemon.
//
// Sources, in order of precedence: SHELF_* environment variables, the
// configuration file, built-in defaults. Dynamic state
// (devices, media, locks) lives in the DSS, never here.
type Config struct {
	LRS      LRSConfig                  `mapstructure:"lrs" yaml:"lrs"`
	Listen   ListenConfig               `mapstructure:"listen" yaml:"listen"`
	DSS      DSSConfig                  `mapstructure:"dss" yaml:"dss"`
	IOSched  map[string]IOSchedConfig   `mapstructure:"io_sched" yaml:"io_sched"`
	Sync     map[string]SyncConfig      `mapstructure:"sync" yaml:"sync"`
	SCSI     SCSIConfig                 `mapstructure:"scsi" yaml:"scsi"`
	LTFS     LTFSConfig                 `mapstructure:"ltfs" yaml:"ltfs"`
	TLC      TLCConfig                  `mapstructure:"tlc" yaml:"tlc"`
	Metrics  MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	LibDummy LibDummyConfig             `mapstructure:"lib_dummy" yaml:"lib_dummy"`
	Tape     TapeConfig                 `mapstructure:"tape_model" yaml:"tape_model"`
	Drives   map[string]DriveTypeConfig `mapstructure:"drive_type" yaml:"drive_type"`
}

// LRSConfig groups daemon-wide scheduler options
type LRSConfig struct {
	// LockFile is the startup mutual-exclusion file. Its directory must
	// already exist.
	LockFile string `mapstructure:"lock_file" yaml:"lock_file"`

	// MountPrefix is the root of per-drive mount points.
	MountPrefix string `mapstructure:"mount_prefix" yaml:"mount_prefix"`

	// Families managed by this daemon.
	Families []string `mapstructure:"families" yaml:"families"`
}

// ListenConfig is the client-facing listener address: either a
// filesystem socket (Path set) or TCP (Hostname and Port set).
type ListenConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	Port     int    `mapstructure:"port" yaml:"port"`
}

// Network returns the net.Listen arguments for the configured address
func (l ListenConfig) Network() (network, addr string) {
	if l.Path != "" {
		return "unix", l.Path
	}
	return "tcp", fmt.Sprintf("%s:%d", l.Hostname, l.Port)
}

// DSSConfig selects and parameterizes the metadata store backend
type DSSConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the sqlite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// IOSchedConfig is the per-family dispatch configuration
type IOSchedConfig struct {
	DispatchAlgo string `mapstructure:"dispatch_algo" yaml:"dispatch_algo"`

	// ReadAlgo optionally overrides the algorithm for the read pipeline.
	ReadAlgo string `mapstructure:"read_algo" yaml:"read_algo"`

	// MaxDispatchDelayMS bounds how long a placeable sub-request may
	// wait while an admissible device is idle.
	MaxDispatchDelayMS int `mapstructure:"max_dispatch_delay_ms" yaml:"max_dispatch_delay_ms"`

	// FairShare holds per-technology reservations, keyed by technology
	// label (normalized to upper case on load).
	FairShare map[string]FairShareConfig `mapstructure:"fair_share" yaml:"fair_share"`
}

// FairShareConfig bounds in-flight requests for one technology
type FairShareConfig struct {
	MinFormat int `mapstructure:"min_format" yaml:"min_format"`
	MinWrite  int `mapstructure:"min_write" yaml:"min_write"`
	MinRead   int `mapstructure:"min_read" yaml:"min_read"`
	MaxFormat int `mapstructure:"max_format" yaml:"max_format"`
	MaxWrite  int `mapstructure:"max_write" yaml:"max_write"`
	MaxRead   int `mapstructure:"max_read" yaml:"max_read"`
}

// SyncConfig holds the per-family medium flush thresholds
type SyncConfig struct {
	TimeMS  int   `mapstructure:"time_ms" yaml:"time_ms"`
	NbReq   int   `mapstructure:"nb_req" yaml:"nb_req"`
	WsizeKB int64 `mapstructure:"wsize_kb" yaml:"wsize_kb"`
}

// Time returns the age threshold as a duration
func (s SyncConfig) Time() time.Duration { return time.Duration(s.TimeMS) * time.Millisecond }

// SCSIConfig is the retry and timeout policy for library operations
type SCSIConfig struct {
	RetryCount       int `mapstructure:"retry_count" yaml:"retry_count"`
	RetryShortMS     int `mapstructure:"retry_short" yaml:"retry_short"`
	RetryLongMS      int `mapstructure:"retry_long" yaml:"retry_long"`
	QueryTimeoutMS   int `mapstructure:"query_timeout_ms" yaml:"query_timeout_ms"`
	MoveTimeoutMS    int `mapstructure:"move_timeout_ms" yaml:"move_timeout_ms"`
	InquiryTimeoutMS int `mapstructure:"inquiry_timeout_ms" yaml:"inquiry_timeout_ms"`
	MaxElementStatus int `mapstructure:"max_element_status" yaml:"max_element_status"`
}

// LTFSConfig overrides the platform LTFS tooling
type LTFSConfig struct {
	CmdMount string `mapstructure:"cmd_mount" yaml:"cmd_mount"`
}

// TLCConfig is the tape library controller endpoint
type TLCConfig struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	Port     int    `mapstructure:"port" yaml:"port"`
}

// MetricsConfig enables the optional prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LibDummyConfig locates the simulated changer's inventory file
type LibDummyConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TapeConfig lists the tape models this daemon accepts
type TapeConfig struct {
	SupportedList []string `mapstructure:"supported_list" yaml:"supported_list"`
}

// DriveTypeConfig maps one "<techno>_drive" section to its models
type DriveTypeConfig struct {
	Models []string `mapstructure:"models" yaml:"models"`
}

// Load reads the configuration from the given file (optional) plus the
// SHELF_* environment, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("lrs.lock_file", def.LRS.LockFile)
	v.SetDefault("lrs.mount_prefix", def.LRS.MountPrefix)
	v.SetDefault("lrs.families", def.LRS.Families)
	v.SetDefault("listen.path", def.Listen.Path)
	v.SetDefault("dss.driver", def.DSS.Driver)
	v.SetDefault("dss.path", def.DSS.Path)
	v.SetDefault("scsi.retry_count", def.SCSI.RetryCount)
	v.SetDefault("scsi.retry_short", def.SCSI.RetryShortMS)
	v.SetDefault("scsi.retry_long", def.SCSI.RetryLongMS)
	v.SetDefault("scsi.query_timeout_ms", def.SCSI.QueryTimeoutMS)
	v.SetDefault("scsi.move_timeout_ms", def.SCSI.MoveTimeoutMS)
	v.SetDefault("scsi.inquiry_timeout_ms", def.SCSI.InquiryTimeoutMS)
	v.SetDefault("scsi.max_element_status", def.SCSI.MaxElementStatus)
	v.SetDefault("tlc.hostname", def.TLC.Hostname)
	v.SetDefault("tlc.port", def.TLC.Port)
	for fam, sc := range def.Sync {
		v.SetDefault("sync."+fam+".time_ms", sc.TimeMS)
		v.SetDefault("sync."+fam+".nb_req", sc.NbReq)
		v.SetDefault("sync."+fam+".wsize_kb", sc.WsizeKB)
	}
	for fam, io := range def.IOSched {
		v.SetDefault("io_sched."+fam+".dispatch_algo", io.DispatchAlgo)
		v.SetDefault("io_sched."+fam+".max_dispatch_delay_ms", io.MaxDispatchDelayMS)
	}
}

// normalize fixes up keys viper lowercased: technology labels are
// stored upper-case, drive_type section names lose their "_drive"
// suffix.
func normalize(cfg *Config) {
	for fam, io := range cfg.IOSched {
		if len(io.FairShare) == 0 {
			continue
		}
		fs := make(map[string]FairShareConfig, len(io.FairShare))
		for techno, share := range io.FairShare {
			fs[strings.ToUpper(techno)] = share
		}
		io.FairShare = fs
		cfg.IOSched[fam] = io
	}
	if len(cfg.Drives) > 0 {
		drives := make(map[string]DriveTypeConfig, len(cfg.Drives))
		for section, dt := range cfg.Drives {
			techno := strings.ToUpper(strings.TrimSuffix(section, "_drive"))
			drives[techno] = dt
		}
		cfg.Drives = drives
	} else {
		cfg.Drives = Default().Drives
	}
	if len(cfg.Tape.SupportedList) == 0 {
		cfg.Tape.SupportedList = Default().Tape.SupportedList
	}
}

// Validate rejects configurations the daemon cannot start with
func (c *Config) Validate() error {
	if c.LRS.LockFile == "" {
		return fmt.Errorf("lrs.lock_file is required")
	}
	if dir := filepath.Dir(c.LRS.LockFile); dir == "" {
		return fmt.Errorf("lrs.lock_file must be in an existing directory")
	}
	if len(c.LRS.Families) == 0 {
		return fmt.Errorf("lrs.families must name at least one family")
	}
	for _, fam := range c.LRS.Families {
		switch types.Family(fam) {
		case types.FamilyTape, types.FamilyDir, types.FamilyRados:
		default:
			return fmt.Errorf("unknown family %q", fam)
		}
		if io, ok := c.IOSched[fam]; ok {
			if err := validAlgo(io.DispatchAlgo); err != nil {
				return fmt.Errorf("io_sched.%s.dispatch_algo: %w", fam, err)
			}
			if io.ReadAlgo != "" {
				if err := validAlgo(io.ReadAlgo); err != nil {
					return fmt.Errorf("io_sched.%s.read_algo: %w", fam, err)
				}
			}
		}
	}
	if c.Listen.Path == "" {
		if c.Listen.Hostname == "" {
			return fmt.Errorf("listen: either a socket path or hostname+port is required")
		}
		if c.Listen.Port < 0 || c.Listen.Port > 65535 {
			return fmt.Errorf("listen.port %d out of range [0, 65535]", c.Listen.Port)
		}
	}
	switch c.DSS.Driver {
	case "sqlite":
		if c.DSS.Path == "" {
			return fmt.Errorf("dss.path is required with the sqlite driver")
		}
	case "postgres":
		if c.DSS.DSN == "" {
			return fmt.Errorf("dss.dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown dss.driver %q", c.DSS.Driver)
	}
	if c.SCSI.RetryCount < 0 {
		return fmt.Errorf("scsi.retry_count must be >= 0")
	}
	return nil
}

func validAlgo(name string) error {
	switch name {
	case "fifo", "grouped_read", "fair_share":
		return nil
	default:
		return fmt.Errorf("unknown algorithm %q", name)
	}
}

// SyncFor returns the sync thresholds for a family, falling back to
// the built-in defaults.
func (c *Config) SyncFor(family string) SyncConfig {
	if sc, ok := c.Sync[family]; ok {
		return sc
	}
	return Default().Sync[family]
}

// IOSchedFor returns the dispatch configuration for a family, falling
// back to fifo.
func (c *Config) IOSchedFor(family string) IOSchedConfig {
	if io, ok := c.IOSched[family]; ok {
		if io.DispatchAlgo == "" {
			io.DispatchAlgo = "fifo"
		}
		return io
	}
	return IOSchedConfig{DispatchAlgo: "fifo", MaxDispatchDelayMS: 60000}
}

// TechnoMap builds the model resolution table from the drive_type and
// tape_model sections.
func (c *Config) TechnoMap() *types.TechnoMap {
	models := make(map[string][]string, len(c.Drives))
	for techno, dt := range c.Drives {
		models[techno] = dt.Models
	}
	return types.NewTechnoMap(models)
}

// RetryPolicy converts the SCSI section into a retry policy
func (c *Config) RetryPolicy() (count int, short, long time.Duration) {
	return c.SCSI.RetryCount,
		time.Duration(c.SCSI.RetryShortMS) * time.Millisecond,
		time.Duration(c.SCSI.RetryLongMS) * time.Millisecond
}
