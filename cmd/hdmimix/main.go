//go:build linux

package main

import (
	"context"
	crypto_tls "crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gogpu/gg"

	"hdmimix/internal/config"
	"hdmimix/internal/detect"
	"hdmimix/internal/overlay"
	"hdmimix/internal/pipeline"
	"hdmimix/internal/server"
	tlsutil "hdmimix/internal/tls"
)

var (
	flagConfig         = flag.String("config", "", "YAML configuration file (flags override it)")
	flagCapture        = flag.String("capture", "", "V4L2 capture device (default /dev/video0)")
	flagDisplay        = flag.String("display", "", "DRM display device (default /dev/dri/card0)")
	flagBuffers        = flag.Int("buffers", 0, "Capture buffers to request (default 4)")
	flagOverlayPlane   = flag.String("overlay-plane", "", "Plane kind for the overlay: primary, overlay or cursor")
	flagOverlayMode    = flag.String("overlay-mode", "", "Overlay renderer: gbm (GPU) or dumb (CPU into a dumb buffer)")
	flagSettle         = flag.Duration("settle", 0, "Pause between shutdown steps (default 100ms)")
	flagLabels         = flag.String("labels", "", "Class label list, one name per line (default COCO)")
	flagClasses        = flag.String("classes", "", "Comma-separated classes to draw (default person)")
	flagMinConfidence  = flag.Float64("min-confidence", 0, "Minimum detection confidence to draw")
	flagFontSize       = flag.Float64("font-size", 0, "Label font size in pixels (default 32)")
	flagStatsInterval  = flag.Duration("stats-interval", 0, "Interval between pipeline stats log lines (default 5s)")
	flagDebugFrames    = flag.Bool("debug-frames", false, "Log every captured buffer with the first bytes of each plane")
	flagAddr           = flag.String("addr", "", "Status server listen address (disabled if empty)")
	flagToken          = flag.String("token", "", "Bearer token for the status server")
	flagAuthFailLimit  = flag.Int("auth-fail-limit", 10, "Max failed auth attempts per client IP per window")
	flagAuthFailWindow = flag.Duration("auth-fail-window", time.Minute, "Window for auth failure rate limiting")
	flagTLS            = flag.Bool("tls", false, "Enable TLS with auto-generated self-signed certificate")
	flagTLSCert        = flag.String("tls-cert", "", "Path to TLS certificate file (PEM)")
	flagTLSKey         = flag.String("tls-key", "", "Path to TLS private key file (PEM)")
	flagVerbose        = flag.Bool("verbose", false, "Route drawing library diagnostics to the log")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		if cfg, err = config.Load(*flagConfig); err != nil {
			log.Fatal(err)
		}
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if *flagVerbose {
		gg.SetLogger(slog.Default())
	}

	labels := detect.COCOLabels
	if cfg.LabelsFile != "" {
		var err error
		if labels, err = detect.LoadLabels(cfg.LabelsFile); err != nil {
			log.Fatal(err)
		}
	}
	filter, unknown := detect.NewFilter(labels, cfg.Classes, float32(cfg.MinConfidence))
	if len(unknown) > 0 {
		log.Printf("warning: unknown classes ignored: %s", strings.Join(unknown, ", "))
	}

	canvasOpts := overlay.Options{FontSize: cfg.FontSize, Labels: labels}
	if cfg.Addr != "" {
		canvasOpts.SnapshotInterval = time.Second
	}

	// Everything that can fail before the devices are open is done here.
	tlsConfig, err := serverTLS(cfg)
	if err != nil {
		log.Fatalf("status server: %v", err)
	}

	run, err := openDevices(cfg, canvasOpts)
	if err != nil {
		log.Printf("open devices: %v", err)
		os.Exit(1)
	}

	p, err := pipeline.New(pipeline.Config{
		Source:        run.source,
		Display:       run.display,
		Surface:       run.surface,
		Dumb:          run.dumb,
		Canvas:        run.canvas,
		Detector:      detect.Nop{},
		Filter:        filter,
		SettleDelay:   cfg.SettleDelay,
		StatsInterval: cfg.StatsInterval,
		DebugFrames:   cfg.DebugFrames,
	})
	if err != nil {
		run.close()
		log.Printf("pipeline: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	if cfg.Addr != "" {
		srv = newServer(cfg, tlsConfig, p, run)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Printf("server: %v", err)
			}
		}()
	}

	runErr := p.Run(ctx)
	log.Printf("shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := run.canvas.Close(); err != nil {
		log.Printf("overlay: %v", err)
	}
	if runErr != nil {
		log.Printf("pipeline: %v", runErr)
		os.Exit(1)
	}
}

// applyFlags copies every flag given on the command line over cfg.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "capture":
			cfg.CaptureDevice = *flagCapture
		case "display":
			cfg.DisplayDevice = *flagDisplay
		case "buffers":
			cfg.BufferCount = *flagBuffers
		case "overlay-plane":
			cfg.OverlayPlane = *flagOverlayPlane
		case "overlay-mode":
			cfg.OverlayMode = *flagOverlayMode
		case "settle":
			cfg.SettleDelay = *flagSettle
		case "labels":
			cfg.LabelsFile = *flagLabels
		case "classes":
			cfg.Classes = splitList(*flagClasses)
		case "min-confidence":
			cfg.MinConfidence = *flagMinConfidence
		case "font-size":
			cfg.FontSize = *flagFontSize
		case "stats-interval":
			cfg.StatsInterval = *flagStatsInterval
		case "debug-frames":
			cfg.DebugFrames = *flagDebugFrames
		case "addr":
			cfg.Addr = *flagAddr
		case "token":
			cfg.Token = *flagToken
		case "tls":
			cfg.TLS = *flagTLS
		case "tls-cert":
			cfg.TLSCert = *flagTLSCert
		case "tls-key":
			cfg.TLSKey = *flagTLSKey
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// serverTLS returns the self-signed TLS config for the status server, or nil
// when the server is off, plain HTTP, or uses certificate files.
func serverTLS(cfg config.Config) (*crypto_tls.Config, error) {
	if cfg.Addr == "" || cfg.TLSCert != "" || !cfg.TLS {
		return nil, nil
	}
	tc, fp, err := tlsutil.SelfSigned(365*24*time.Hour, tlsutil.HostOf(cfg.Addr))
	if err != nil {
		return nil, fmt.Errorf("self-signed cert: %w", err)
	}
	log.Printf("self-signed certificate fingerprint: %s", fp)
	return tc, nil
}

func newServer(cfg config.Config, tlsConfig *crypto_tls.Config, p *pipeline.Pipeline, run *devices) *server.Server {
	if cfg.Token == "" {
		log.Printf("warning: status server on %s has no --token", cfg.Addr)
	}
	return server.New(server.Config{
		Addr:           cfg.Addr,
		Token:          cfg.Token,
		AuthFailLimit:  *flagAuthFailLimit,
		AuthFailWindow: *flagAuthFailWindow,
		TLSCert:        cfg.TLSCert,
		TLSKey:         cfg.TLSKey,
		TLS:            tlsConfig,
		Stats:          func() any { return run.status(p) },
		Snapshot:       run.canvas.Snapshot,
	})
}
