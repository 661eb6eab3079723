// gofserved serves static files and fallback streams: the file-serving
// core wired up as a standalone process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gofserve/gofserve/internal/collab"
	"github.com/gofserve/gofserve/internal/config"
	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/httpglue"
	"github.com/gofserve/gofserve/internal/listenersvc"
	"github.com/gofserve/gofserve/internal/mimereg"
	"github.com/gofserve/gofserve/internal/scanner"
	"github.com/gofserve/gofserve/internal/statspub"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (VIBE format)")
	mimeFile := flag.String("mime-types", "", "Path to a MIME types file (optional, merged over built-in defaults)")
	root := flag.String("root", ".", "Filesystem root fallback and static mounts resolve under")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gofserved %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	logger := log.New(os.Stdout, "[gofserved] ", log.LstdFlags|log.Lmsgprefix)

	printBanner()

	var cfg *config.Config
	if *configFile != "" {
		logger.Printf("loading configuration from %s", *configFile)
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Fatalf("failed to load configuration: %v", err)
		}
		cfg = loaded
	} else {
		logger.Println("no -config given, using defaults")
		cfg = config.DefaultConfig()
	}
	cfgMgr := config.NewManager(cfg)

	mime := mimereg.New()
	if *mimeFile != "" {
		if err := mime.ReloadFile(*mimeFile); err != nil {
			logger.Fatalf("failed to load MIME file: %v", err)
		}
	}

	cache := fcache.New(mime)
	stats := statspub.NewBuffer(cfg.Logging.ActivitySize)
	registerMetrics(logger)

	authAdapter := collab.NewAuthAdapter()

	svc := &listenersvc.Service{
		Cache:  cache,
		Config: cfgMgr,
		Auth:   authAdapter,
		Stats:  stats,
		Root:   *root,
	}
	mover := &collab.MoveAdapter{Service: svc}

	globalMeter := fcache.NewBitrateMeter()
	handler := &httpglue.Handler{
		Service:     svc,
		Mime:        mime,
		Conns:       httpglue.NewConnRegistry(),
		Mover:       mover,
		Auth:        authAdapter,
		GlobalMeter: globalMeter,
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sc := scanner.New(cache, cfg.Limits.ScanInterval, func(h *fcache.Handle) {
		h.Lock()
		info := h.InfoLocked()
		listeners := h.RefcountLocked()
		peak := h.Peak()
		h.Unlock()
		kbit := h.Meter().Rate() * 8 / 1000
		if info.Limit > 0 {
			stats.Set(info.Mount, listeners, peak, kbit)
		}
	})
	scanCtx, cancelScan := context.WithCancel(context.Background())
	go sc.Run(scanCtx)

	go func() {
		logger.Printf("gofserved listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if *configFile == "" {
				logger.Println("received SIGHUP but no -config was given, nothing to reload")
				continue
			}
			logger.Println("received SIGHUP, reloading configuration")
			reloaded, err := config.Load(*configFile)
			if err != nil {
				logger.Printf("reload failed: %v", err)
				continue
			}
			cfgMgr.Replace(reloaded)
			if *mimeFile != "" {
				if err := mime.ReloadFile(*mimeFile); err != nil {
					logger.Printf("MIME reload failed: %v", err)
				}
			}

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Printf("received %v, shutting down", sig)
			cancelScan()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Printf("error during HTTP shutdown: %v", err)
			}
			cancel()

			logger.Println("gofserved shutdown complete")
			return
		}
	}
}

// registerMetrics registers the package's Prometheus collectors, tolerating
// a second call (e.g. in tests that construct more than one server in the
// same process) by recovering the duplicate-registration panic.
func registerMetrics(logger *log.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("metrics already registered: %v", r)
		}
	}()
	statspub.MustRegister(prometheus.DefaultRegisterer)
}

func printBanner() {
	fmt.Println(`
  gofserve — file-serving and fallback-streaming core
  -----------------------------------------------------`)
}
