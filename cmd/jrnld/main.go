// Command jrnld formats, recovers and serves a journaled disk image.
//
//	jrnld [-config file] mkfs
//	jrnld [-config file] recover
//	jrnld [-config file] serve
//
// serve mounts the image, runs the journal's background services and an
// HTTP admin endpoint until SIGINT or SIGTERM, then unmounts cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mit-pdos/go-fsjournal/config"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/jrnl"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/util"
)

const shutdownTimeout = 10 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config file] mkfs|recover|serve\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jrnld: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	util.SetDebug(cfg.Logging.Trace)

	opts, err := jrnl.FromConfig(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "mkfs":
		err = mkfs(cfg, opts)
	case "recover":
		err = recoverOnly(ctx, cfg, opts)
	case "serve":
		err = serve(ctx, cfg, opts)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logging.Error().Err(err).Str("cmd", flag.Arg(0)).Msg("jrnld failed")
		os.Exit(1)
	}
}

func openDisk(cfg *config.Config) (disk.Disk, error) {
	if cfg.Disk.Path == "" {
		logging.Warn().Msg("no disk.path configured, using an in-memory disk")
		return disk.NewMemDisk(cfg.Disk.Blocks), nil
	}
	return disk.NewFileDisk(cfg.Disk.Path, cfg.Disk.Blocks)
}

func mkfs(cfg *config.Config, opts jrnl.Options) error {
	d, err := openDisk(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	_, err = jrnl.Format(d, opts)
	return err
}

// recoverOnly mounts, which recovers if needed, prints the recovery report
// and unmounts.
func recoverOnly(ctx context.Context, cfg *config.Config, opts jrnl.Options) error {
	d, err := openDisk(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	j, err := jrnl.Mount(ctx, d, opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(j.Recovery()); err != nil {
		j.Close(context.Background())
		return err
	}
	return j.Close(context.Background())
}

func serve(ctx context.Context, cfg *config.Config, opts jrnl.Options) error {
	d, err := openDisk(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	if cfg.Disk.Path == "" {
		if _, err := jrnl.Format(d, opts); err != nil {
			return err
		}
	}
	j, err := jrnl.Mount(ctx, d, opts)
	if err != nil {
		return err
	}

	sup := suture.New("jrnld", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
	})
	sup.Add(&httpService{
		srv: &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           newRouter(j),
			ReadHeaderTimeout: 5 * time.Second,
		},
		timeout: shutdownTimeout,
	})
	errc := sup.ServeBackground(ctx)
	logging.Info().Str("listen", cfg.Server.Listen).Msg("admin server started")

	<-ctx.Done()
	logging.Info().Msg("shutting down")
	if err := <-errc; err != nil && err != context.Canceled {
		logging.Warn().Err(err).Msg("supervisor stopped")
	}

	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return j.Close(cctx)
}
