package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filebay/internal/archive"
	"filebay/internal/catalog"
	"filebay/internal/config"
	"filebay/internal/fileops"
	"filebay/internal/fsutil"
	"filebay/internal/httpserver"
	"filebay/internal/logging"
	"filebay/internal/monitoring"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "filebay: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, FILEBAY_* variables and
// explicitly set flags, in that order.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("filebay", flag.ContinueOnError)
	var (
		cfgPath  = fs.String("config", "", "path to a YAML or JSON config file")
		root     = fs.String("root", "", "directory to serve (created if missing)")
		addr     = fs.String("addr", config.DefaultAddr, "listen address")
		logLevel = fs.String("log-level", "info", "debug, info, warn or error")
		dev      = fs.Bool("dev", false, "console logs and gin debug mode")
		webdav   = fs.Bool("webdav", false, "serve a read-only WebDAV view under /dav/")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	return config.Load(*cfgPath, func(cfg *config.Config) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "root":
				cfg.Root = *root
			case "addr":
				cfg.Addr = *addr
			case "log-level":
				cfg.Log.Level = *logLevel
			case "dev":
				cfg.Log.Development = *dev
			case "webdav":
				cfg.WebDAV = *webdav
			}
		})
	})
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	resolver, err := fsutil.NewResolver(cfg.Root)
	if err != nil {
		return err
	}
	sevenZip := archive.LookupSevenZip(cfg.SevenZip)
	if sevenZip.Available() {
		log.Info("7z support enabled", zap.String("binary", sevenZip.Path()))
	} else {
		log.Info("7z support disabled; folders download as zip")
	}

	svc := fileops.New(fileops.Options{
		Resolver: resolver,
		Codec: archive.New(archive.Options{
			SevenZip:        sevenZip,
			MaxExtractBytes: cfg.MaxExtractBytes,
			Logger:          log.Named("archive"),
		}),
		Catalog:    catalog.New(cfg.HiddenPatterns, log.Named("catalog")),
		Extensions: fsutil.NewExtensionSet(cfg.AllowedExtensions),
		Logger:     log.Named("fileops"),
	})

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Service: svc,
		Metrics: monitoring.New(),
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.Background(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("filebay listening",
			zap.String("addr", "http://"+cfg.Addr),
			zap.String("root", resolver.Root()),
			zap.Strings("allowed_ips", cfg.AllowedIPs),
			zap.Bool("webdav", cfg.WebDAV),
		)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
