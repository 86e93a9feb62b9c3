// Command manager runs one Metis manager node (spec §4.6): an HTTP
// front end that resolves item paths to ranges via internal/rangeidx and
// dispatches PUT/GET/MKCOL to storage nodes over internal/pool. Grounded
// on original_source/manager/webdav.hpp's main and dfc/proxy.go's process
// shape: construct config, initialize logging, construct the handler and
// listener, install signal handlers, block.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/dispatch"
	"github.com/carriercomm/metis/internal/rangeidx"

	"github.com/golang/glog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "manager"
	app.Usage = "Metis manager node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a JSON config file"},
		cli.StringFlag{Name: "data-path", Usage: "directory holding the range metadata store"},
		cli.StringFlag{Name: "listen", Value: ":8001", Usage: "address to accept HTTP requests on"},
		cli.UintFlag{Name: "server-id", Usage: "this node's server id"},
		cli.IntFlag{Name: "workers", Value: 4, Usage: "number of HTTP dispatch worker pools"},
		cli.IntFlag{Name: "worker-queue-length", Value: 1024, Usage: "per-worker queue depth"},
		cli.Float64Flag{Name: "min-disk-free", Value: 0.05, Usage: "minimum free-space fraction a storage must report to accept PUT"},
		cli.DurationFlag{Name: "command-timeout", Usage: "deadline for a single storage command round trip"},
		cli.IntFlag{Name: "max-connections-per-storage", Value: 8, Usage: "pooled TCP connections kept per storage node"},
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
	if v := c.Float64("min-disk-free"); v != 0 {
		cfg.MinDiskFree = v
	}
	if v := c.Duration("command-timeout"); v != 0 {
		cfg.CommandTimeout = v
	}
	if v := c.Int("max-connections-per-storage"); v != 0 {
		cfg.MaxConnectionsPerStorage = v
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

	store, err := rangeidx.OpenScribbleStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	mgr := rangeidx.NewManager(store)
	if err := mgr.LoadAll(); err != nil {
		return fmt.Errorf("load ranges: %w", err)
	}

	handler := dispatch.New(cfg, mgr)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Warningf("manager node %d: received %s, shutting down", cfg.ServerID, sig)
		httpSrv.Close()
	}()

	glog.Warningf("starting Metis manager node %d on %s, metadata path %s", cfg.ServerID, cfg.ListenAddr, cfg.DataPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// configureLogging layers this process's config onto glog's package-global
// flags; see cmd/storage/main.go for the same pattern.
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
