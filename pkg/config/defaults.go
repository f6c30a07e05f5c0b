package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LRS: LRSConfig{
			LockFile:    "/run/shelfd/shelfd.lock",
			MountPrefix: "/mnt/shelf-",
			Families:    []string{"tape"},
		},
		Listen: ListenConfig{
			Path: "/run/shelfd/lrs.sock",
		},
		DSS: DSSConfig{
			Driver: "sqlite",
			Path:   "/var/lib/shelfd/dss.db",
		},
		IOSched: map[string]IOSchedConfig{
			"tape": {DispatchAlgo: "fifo", MaxDispatchDelayMS: 60000},
			"dir":  {DispatchAlgo: "fifo", MaxDispatchDelayMS: 60000},
		},
		Sync: map[string]SyncConfig{
			"tape": {TimeMS: 10000, NbReq: 5, WsizeKB: 1 << 20},
			"dir":  {TimeMS: 10, NbReq: 1, WsizeKB: 0},
		},
		SCSI: SCSIConfig{
			RetryCount:       5,
			RetryShortMS:     1000,
			RetryLongMS:      5000,
			QueryTimeoutMS:   1000,
			MoveTimeoutMS:    300000,
			InquiryTimeoutMS: 10,
			MaxElementStatus: 0,
		},
		TLC: TLCConfig{
			Hostname: "localhost",
			Port:     20123,
		},
		LibDummy: LibDummyConfig{
			Path: "/var/lib/shelfd/dummy_library.db",
		},
		Tape: TapeConfig{
			SupportedList: []string{"LTO5", "LTO6", "LTO7", "LTO8", "LTO9"},
		},
		Drives: map[string]DriveTypeConfig{
			"LTO5": {Models: []string{"ULTRIUM-TD5", "ULT3580-TD5", "ULTRIUM-HH5", "ULT3580-HH5", "HH LTO Gen 5"}},
			"LTO6": {Models: []string{"ULTRIUM-TD6", "ULT3580-TD6", "ULTRIUM-HH6", "ULT3580-HH6", "HH LTO Gen 6"}},
			"LTO7": {Models: []string{"ULTRIUM-TD7", "ULT3580-TD7", "ULTRIUM-HH7", "ULT3580-HH7"}},
			"LTO8": {Models: []string{"ULTRIUM-TD8", "ULT3580-TD8", "ULTRIUM-HH8", "ULT3580-HH8"}},
			"LTO9": {Models: []string{"ULTRIUM-TD9", "ULT3580-TD9", "ULTRIUM-HH9", "ULT3580-HH9"}},
		},
	}
}

// WriteDefault renders the default configuration as YAML to the given
// path, refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}

	header := []byte("# shelfd configuration. Values here are overridden by SHELF_* environment\n# variables.\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
