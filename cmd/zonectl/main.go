package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/zonectl/internal/admin"
	"github.com/danmuck/zonectl/internal/auth"
	"github.com/danmuck/zonectl/internal/config"
	"github.com/danmuck/zonectl/internal/host"
	"github.com/danmuck/zonectl/internal/logging"
	"github.com/danmuck/zonectl/internal/observability"
	"github.com/danmuck/zonectl/internal/orchestrator"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	mode := flag.String("mode", "host", "run mode: host|zone")
	configPath := flag.String("config", "", "path to config toml")
	demo := flag.Bool("demo", false, "host mode: run an in-process popup and tab against the demo actions")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zonectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "host":
		err = runHost(ctx, cfg, *demo)
	case "zone":
		err = runZone(ctx, cfg)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "zonectl: %v\n", err)
		os.Exit(1)
	}
}

// runHost runs the host process: the background zone, the socket listener
// for remote zones, the timer loop, and the admin surface.
func runHost(ctx context.Context, cfg config.Config, demo bool) error {
	observability.InitLogger("zonectl", string(zone.AddressOf(zone.Background)))
	shutdownTracing, err := observability.SetupTracing(ctx, "zonectl", observability.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := buildApp(cfg.Runtime.MinAlarmPeriod, sweepPeriod(cfg))
	if err != nil {
		return err
	}
	defaults, err := loadDefaults(cfg)
	if err != nil {
		return err
	}

	h, err := host.Open(hostConfig(cfg))
	if err != nil {
		return err
	}
	defer h.Close()

	bgCtx, err := h.NewContext(zone.Background)
	if err != nil {
		return err
	}
	bg, err := orchestrator.New(bgCtx, a.reg, defaults, orchestratorOptions(cfg))
	if err != nil {
		return err
	}
	if err := bg.Start(ctx); err != nil {
		return err
	}
	defer bg.Close()
	logVaultEvents(bg)

	ln, err := listen(cfg.Listen)
	if err != nil {
		return err
	}
	log.Info().Msgf("zonectl.runHost listening network=%s address=%s", cfg.Listen.Network, ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(gctx, ln)
	})
	if cfg.Admin.Addr != "" {
		adminSrv := admin.New(bg, h.Hub(), admin.Options{
			CorsOrigins: cfg.Admin.CorsOrigins,
			Auth:        auth.Optional(cfg.Admin.Token),
		})
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           adminSrv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Msgf("zonectl.runHost admin addr=%s", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if demo {
		g.Go(func() error {
			return runLocalDemo(gctx, h, a, defaults, cfg)
		})
	}
	return g.Wait()
}

// runZone runs one non-background zone attached to a host over its socket.
func runZone(ctx context.Context, cfg config.Config) error {
	z, err := remoteZone(cfg)
	if err != nil {
		return err
	}
	observability.InitLogger("zonectl", z.String())

	a, err := buildApp(cfg.Runtime.MinAlarmPeriod, sweepPeriod(cfg))
	if err != nil {
		return err
	}
	defaults, err := loadDefaults(cfg)
	if err != nil {
		return err
	}

	rc := host.NewRemoteContext(z.Kind, z.Runtime.TabID, cfg.Listen.Network, cfg.Listen.Address, sessionConfig(cfg))
	defer rc.Destroy()
	o, err := orchestrator.New(rc, a.reg, defaults, orchestratorOptions(cfg))
	if err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Close()
	logVaultEvents(o)

	if err := exercise(ctx, o, a); err != nil {
		log.Warn().Msgf("zonectl.runZone demo err=%v", err)
	}
	<-ctx.Done()
	return nil
}

func listen(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.Network == "unix" {
		if err := os.Remove(cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", cfg.Address, err)
		}
	}
	ln, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", cfg.Network, cfg.Address, err)
	}
	return ln, nil
}
