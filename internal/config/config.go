// Package config loads an optional server configuration file, an
// alternative to a long flag line for the NUMA pool paths and CPU
// masks: a flat ini [server] section mapped straight onto a struct.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Server mirrors the cmd/rdpma-server CLI options; any field left at
// its zero value by the config file falls back to the flag value, so a
// deployment can mix a config file with flags for the fields it omits.
// A non-zero config field overrides the flag.
type Server struct {
	TCPPort     int    `ini:"tcp_port"`
	IBPort      int    `ini:"ib_port"`
	TableSize   int    `ini:"table_size"`
	DatasetSize int    `ini:"dataset_size"`
	PoolSuffix  string `ini:"pool_suffix"`
	NetCPUMask  string `ini:"net_cpu_mask"`
	KVCPUMask   string `ini:"kv_cpu_mask"`
	PollCPUMask string `ini:"poll_cpu_mask"`
	Verbose     bool   `ini:"verbose"`
	Human       bool   `ini:"human"`
}

// Load reads a "[server]" section from path into a Server. Missing
// keys keep Go's zero value, which cmd/rdpma-server treats as "use the
// flag default".
func Load(path string) (*Server, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	s := &Server{}
	if err := f.Section("server").MapTo(s); err != nil {
		return nil, fmt.Errorf("config: map %s: %w", path, err)
	}
	return s, nil
}
