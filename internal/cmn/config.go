package cmn

import (
	"flag"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config bundles every knob named by spec §6 ("CLI surface") plus the
// component-level knobs named in §4 and exercised by the end-to-end
// scenarios in §8 (range_size, min_disk_free, max_slice_size,
// max_connections_per_storage). It is populated once at process start and
// threaded explicitly through constructors (see SPEC_FULL.md "Global
// 'initialized' singletons" design note) rather than kept as a package
// global.
type Config struct {
	ServerID   uint32 `json:"server_id"`
	DataPath   string `json:"data_path"`
	ListenAddr string `json:"listen_addr"`
	Workers    int    `json:"workers"`
	QueueLen   int    `json:"worker_queue_length"`
	LogLevel   string `json:"log_level"`
	LogPath    string `json:"log_path"`
	LogStdout  bool   `json:"log_stdout"`

	RangeSize                uint64        `json:"range_size"`
	MinDiskFree              float64       `json:"min_disk_free"`
	MaxSliceSize             int64         `json:"max_slice_size"`
	MaxConnectionsPerStorage int           `json:"max_connections_per_storage"`
	CommandTimeout           time.Duration `json:"command_timeout"`
	SyncQueueLength          int           `json:"sync_queue_length"`
	Fsync                    bool          `json:"fsync"`
	// ReplicaAddrs lists this storage node's secondaries for the sync
	// worker (spec §4.3 "enqueue a replication task to the sync worker for
	// each secondary in the range's storage list"). The wire protocol
	// carries no per-item topology (§6), so replica membership is a
	// deployment-time property of the storage node itself rather than
	// something resolved per PUT — see DESIGN.md.
	ReplicaAddrs []string `json:"replica_addrs"`
}

// DefaultConfig returns the baseline used when no config file is given,
// matching the constants named across spec §4 and §8.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":7001",
		Workers:                  4,
		QueueLen:                 1024,
		LogLevel:                 "info",
		RangeSize:                1 << 20,
		MinDiskFree:              0.05,
		MaxSliceSize:             1 << 28, // 256MiB
		MaxConnectionsPerStorage: 8,
		CommandTimeout:           5 * time.Second,
		SyncQueueLength:          256,
		Fsync:                    true,
	}
}

// LoadFile overlays JSON config from path onto c, matching the teacher's
// JSON-file-plus-flag-overrides layering (cmn/config.go).
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := jsoniter.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// RegisterFlags wires the CLI override surface named in spec §6 onto fs,
// layered on top of whatever LoadFile already populated.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(serverIDFlag{c}, "server-id", "this node's server id")
	fs.StringVar(&c.DataPath, "data-path", c.DataPath, "root directory for slice data/index files")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address to accept connections on")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of worker goroutine pools")
	fs.IntVar(&c.QueueLen, "worker-queue-length", c.QueueLen, "per-worker queue depth")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "glog verbosity level")
	fs.StringVar(&c.LogPath, "log-path", c.LogPath, "directory for log files")
	fs.BoolVar(&c.LogStdout, "log-stdout", c.LogStdout, "also log to stdout")
}

// serverIDFlag adapts Config.ServerID (uint32) to flag.Value.
type serverIDFlag struct{ c *Config }

func (f serverIDFlag) String() string {
	if f.c == nil {
		return "0"
	}
	return fmt.Sprintf("%d", f.c.ServerID)
}

func (f serverIDFlag) Set(s string) error {
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return err
	}
	f.c.ServerID = uint32(v)
	return nil
}

// Validate checks the invariants PUT/rebuild depend on.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data-path is required")
	}
	if c.MinDiskFree < 0 || c.MinDiskFree >= 1 {
		return fmt.Errorf("min-disk-free must be in [0,1), got %f", c.MinDiskFree)
	}
	if c.MaxSliceSize <= 0 {
		return fmt.Errorf("max-slice-size must be positive")
	}
	if c.RangeSize == 0 {
		return fmt.Errorf("range-size must be positive")
	}
	if c.MaxConnectionsPerStorage <= 0 {
		return fmt.Errorf("max-connections-per-storage must be positive")
	}
	return nil
}
