// Command storage runs one Metis storage node (spec §4.3): a TCP listener
// serving the StorageCmd/StorageAnswer protocol against a single level
// directory's slice pairs. Grounded on
// original_source/storage/metis_storage.cpp's main: construct config,
// initialize logging, construct the storage and its listener, install
// signal handlers, block.
//
// This process is deployed one per (level, sub_level) partition — --data-path
// points directly at that level's directory, rather than the original's
// single Storage instance fronting every level under one data root. Scaling
// across levels is achieved by running more storage processes, the same way
// this system already scales replication by running more processes per
// range; see DESIGN.md.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/slice"
	"github.com/carriercomm/metis/internal/storagesvc"

	"github.com/golang/glog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "storage"
	app.Usage = "Metis storage node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a JSON config file"},
		cli.StringFlag{Name: "data-path", Usage: "level directory holding data/ and index/"},
		cli.StringFlag{Name: "listen", Value: ":7001", Usage: "address to accept storage connections on"},
		cli.UintFlag{Name: "server-id", Usage: "this node's server id"},
		cli.IntFlag{Name: "workers", Value: 4, Usage: "number of worker goroutine pools (reserved; storage dispatch is one goroutine per connection)"},
		cli.IntFlag{Name: "worker-queue-length", Value: 1024, Usage: "per-worker queue depth (reserved)"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "glog verbosity level"},
		cli.StringFlag{Name: "log-path", Usage: "directory for log files"},
		cli.BoolFlag{Name: "log-stdout", Usage: "also log to stdout"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func run(c *cli.Context) error {
	cfg := cmn.DefaultConfig()
	if err := cfg.LoadFile(c.String("config")); err != nil {
		return err
	}
	if v := c.String("data-path"); v != "" {
		cfg.DataPath = v
	}
	if v := c.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.Uint("server-id"); v != 0 {
		cfg.ServerID = uint32(v)
	}
	if v := c.Int("workers"); v != 0 {
		cfg.Workers = v
	}
	if v := c.Int("worker-queue-length"); v != 0 {
		cfg.QueueLen = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogPath = c.String("log-path")
	cfg.LogStdout = c.Bool("log-stdout")

	if err := cfg.Validate(); err != nil {
		return err
	}
	configureLogging(cfg)
	defer glog.Flush()

	mgr, err := slice.Open(slice.Options{
		Dir:          cfg.DataPath,
		MaxSliceSize: cfg.MaxSliceSize,
		MinDiskFree:  cfg.MinDiskFree,
		Fsync:        cfg.Fsync,
	})
	if err != nil {
		return fmt.Errorf("open slice manager: %w", err)
	}
	defer mgr.Close()

	srv := storagesvc.New(cfg, mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Warningf("storage node %d: received %s, shutting down", cfg.ServerID, sig)
		srv.Stop()
	}()

	glog.Warningf("starting Metis storage node %d on %s, data path %s", cfg.ServerID, cfg.ListenAddr, cfg.DataPath)
	return srv.ListenAndServe()
}

// configureLogging layers this process's config onto glog's package-global
// flags (glog registers "alsologtostderr"/"log_dir"/"v" etc. on
// flag.CommandLine at init time; this sets them directly rather than
// re-parsing os.Args, since urfave/cli already owns argument parsing here).
func configureLogging(cfg *cmn.Config) {
	if cfg.LogStdout {
		flag.Set("alsologtostderr", "true")
	}
	if cfg.LogPath != "" {
		flag.Set("log_dir", cfg.LogPath)
	}
	if cfg.LogLevel != "" {
		flag.Set("v", cfg.LogLevel)
	}
}
