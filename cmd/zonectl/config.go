package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/zonectl/internal/config"
	"github.com/danmuck/zonectl/internal/host"
	"github.com/danmuck/zonectl/internal/orchestrator"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/zone"
)

const defaultTokenTTL = 10 * time.Minute

func sessionConfig(cfg config.Config) session.Config {
	s := session.DefaultConfig()
	s.ConnectTimeout = cfg.Session.ConnectTimeout
	s.HandshakeTimeout = cfg.Session.HandshakeTimeout
	s.WriteTimeout = cfg.Session.WriteTimeout
	s.CallTimeout = cfg.Runtime.CallTimeout
	s.MaxDialAttempts = cfg.Session.MaxDialAttempts
	s.TLS = session.TLSConfig(cfg.Session.TLS)
	return s.WithDefaults()
}

func hostConfig(cfg config.Config) host.Config {
	return host.Config{
		DBPath:    cfg.DBPath,
		TimerTick: cfg.TimerTick,
		Session:   sessionConfig(cfg),
	}
}

func orchestratorOptions(cfg config.Config) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.CallTimeout = cfg.Runtime.CallTimeout
	opts.Store = store.Options{
		DurableKeys: cfg.Runtime.DurableKeys,
		SyncTimeout: cfg.Runtime.SyncTimeout,
	}
	opts.Services = &services{tokenTTL: defaultTokenTTL, now: time.Now}
	return opts
}

func sweepPeriod(cfg config.Config) time.Duration {
	if cfg.Runtime.MinAlarmPeriod > time.Minute {
		return cfg.Runtime.MinAlarmPeriod
	}
	return time.Minute
}

func loadDefaults(cfg config.Config) (demoState, error) {
	path := strings.TrimSpace(cfg.Runtime.DefaultsFile)
	if path == "" {
		return defaultDemoState(), nil
	}
	return store.LoadDefaultsYAML[demoState](path)
}

// remoteZone resolves the zone a zone-mode process runs as.
func remoteZone(cfg config.Config) (zone.Zone, error) {
	kind, err := zone.ParseKind(cfg.Zone.Kind)
	if err != nil {
		return zone.Zone{}, err
	}
	if kind == zone.Background {
		return zone.Zone{}, fmt.Errorf("zone mode cannot run the background zone; use host mode")
	}
	z := zone.Zone{Kind: kind, Runtime: zone.RuntimeInfo{TabID: cfg.Zone.TabID}}
	if err := z.Validate(); err != nil {
		return zone.Zone{}, err
	}
	return z, nil
}
