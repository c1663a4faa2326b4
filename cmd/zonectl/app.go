package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/zonectl/internal/orchestrator"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	actionVaultRefresh     = "vault.refresh"
	actionCounterIncrement = "counter.increment"
	actionTabInspect       = "tab.inspect"
	alarmMaintenanceSweep  = "maintenance.sweep"
	eventVaultInvalidated  = "vault.invalidated"
)

type demoState struct {
	Counter     int              `json:"counter"`
	Vault       vaultState       `json:"vault"`
	Maintenance maintenanceState `json:"maintenance"`
}

type vaultState struct {
	Token       string    `json:"token"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Refreshes   int       `json:"refreshes"`
}

type maintenanceState struct {
	Sweeps    int       `json:"sweeps"`
	LastSweep time.Time `json:"last_sweep"`
}

// services is handed to every handler through ExecContext.Services.
type services struct {
	tokenTTL time.Duration
	now      func() time.Time
}

func servicesOf(v any) *services {
	if svc, ok := v.(*services); ok && svc != nil {
		return svc
	}
	return &services{tokenTTL: 10 * time.Minute, now: time.Now}
}

type refreshInput struct {
	Force bool `json:"force"`
}

type vaultView struct {
	Token     string `json:"token"`
	Refreshes int    `json:"refreshes"`
	Cached    bool   `json:"cached"`
}

type invalidation struct {
	Refreshes int    `json:"refreshes"`
	Reason    string `json:"reason"`
}

type tabInfo struct {
	TabID   int          `json:"tab_id"`
	Caller  zone.Address `json:"caller"`
	Counter int          `json:"counter"`
}

// app is the demo feature set every zone registers at boot.
type app struct {
	reg       *orchestrator.Registry[demoState]
	refresh   orchestrator.Handle[refreshInput, vaultView]
	increment orchestrator.Handle[int, int]
	inspect   orchestrator.Handle[struct{}, tabInfo]
}

func buildApp(minAlarmPeriod, sweepPeriod time.Duration) (*app, error) {
	reg := orchestrator.NewRegistry[demoState]()
	reg.SetMinAlarmPeriod(minAlarmPeriod)
	a := &app{reg: reg}

	var err error
	a.refresh, err = orchestrator.RegisterAction(reg, orchestrator.ActionDefinition[demoState, refreshInput, vaultView]{
		ID:          actionVaultRefresh,
		Zone:        zone.Background,
		Concurrency: 1,
		Execute:     refreshVault,
	})
	if err != nil {
		return nil, err
	}
	a.increment, err = orchestrator.RegisterAction(reg, orchestrator.ActionDefinition[demoState, int, int]{
		ID:   actionCounterIncrement,
		Zone: zone.Background,
		Execute: func(ctx context.Context, ec orchestrator.ExecContext[demoState], by int) (int, error) {
			if by == 0 {
				by = 1
			}
			next, err := ec.Store.SetState(ctx, func(s demoState) demoState {
				s.Counter += by
				return s
			})
			return next.Counter, err
		},
	})
	if err != nil {
		return nil, err
	}
	a.inspect, err = orchestrator.RegisterAction(reg, orchestrator.ActionDefinition[demoState, struct{}, tabInfo]{
		ID:   actionTabInspect,
		Zone: zone.Content,
		Execute: func(ctx context.Context, ec orchestrator.ExecContext[demoState], _ struct{}) (tabInfo, error) {
			s, err := ec.Store.GetState(ctx)
			if err != nil {
				return tabInfo{}, err
			}
			return tabInfo{
				TabID:   ec.Orchestrator.RuntimeInfo().TabID,
				Caller:  ec.Caller,
				Counter: s.Counter,
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	err = reg.RegisterAlarm(orchestrator.AlarmDefinition[demoState]{
		Name:       alarmMaintenanceSweep,
		Period:     sweepPeriod,
		OnActivate: sweep,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// refreshVault is single-flight through its concurrency limit of one: a
// caller queued behind a refresh sees the fresh token as cached.
func refreshVault(ctx context.Context, ec orchestrator.ExecContext[demoState], in refreshInput) (vaultView, error) {
	svc := servicesOf(ec.Services)
	current, err := ec.Store.GetState(ctx)
	if err != nil {
		return vaultView{}, err
	}
	fresh := current.Vault.Token != "" && svc.now().Sub(current.Vault.RefreshedAt) < svc.tokenTTL
	if fresh && !in.Force {
		return vaultView{Token: current.Vault.Token, Refreshes: current.Vault.Refreshes, Cached: true}, nil
	}

	next, err := ec.Store.SetState(ctx, func(s demoState) demoState {
		s.Vault.Token = uuid.NewString()
		s.Vault.RefreshedAt = svc.now()
		s.Vault.Refreshes++
		return s
	})
	if err != nil {
		return vaultView{}, fmt.Errorf("store token: %w", err)
	}
	reason := "expired"
	if fresh {
		reason = "forced"
	}
	if err := ec.Orchestrator.Events().Emit(ctx, eventVaultInvalidated, invalidation{Refreshes: next.Vault.Refreshes, Reason: reason}); err != nil {
		log.Warn().Msgf("zonectl.refreshVault emit err=%v", err)
	}
	return vaultView{Token: next.Vault.Token, Refreshes: next.Vault.Refreshes}, nil
}

// sweep records a maintenance pass and drops an expired vault token.
func sweep(ctx context.Context, o *orchestrator.Orchestrator[demoState]) error {
	svc := servicesOf(o.Services())
	now := svc.now()
	var dropped bool
	next, err := o.SetState(ctx, func(s demoState) demoState {
		s.Maintenance.Sweeps++
		s.Maintenance.LastSweep = now
		if s.Vault.Token != "" && now.Sub(s.Vault.RefreshedAt) >= svc.tokenTTL {
			s.Vault.Token = ""
			dropped = true
		}
		return s
	})
	if err != nil {
		return err
	}
	if dropped {
		return o.Events().Emit(ctx, eventVaultInvalidated, invalidation{Refreshes: next.Vault.Refreshes, Reason: "swept"})
	}
	log.Debug().Msgf("zonectl.sweep sweeps=%d", next.Maintenance.Sweeps)
	return nil
}

func defaultDemoState() demoState {
	return demoState{}
}
