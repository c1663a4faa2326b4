package main

import (
	"context"
	"encoding/json"

	"github.com/danmuck/zonectl/internal/config"
	"github.com/danmuck/zonectl/internal/host"
	"github.com/danmuck/zonectl/internal/orchestrator"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
)

func logVaultEvents(o *orchestrator.Orchestrator[demoState]) func() {
	return o.Events().On(eventVaultInvalidated, func(_ context.Context, payload json.RawMessage) {
		var inv invalidation
		if err := json.Unmarshal(payload, &inv); err != nil {
			log.Warn().Msgf("zonectl.vaultEvent zone=%s decode err=%v", o.Zone(), err)
			return
		}
		log.Info().Msgf("zonectl.vaultEvent zone=%s reason=%s refreshes=%d", o.Zone(), inv.Reason, inv.Refreshes)
	})
}

// exercise runs the demo actions from o and logs what it observes.
func exercise(ctx context.Context, o *orchestrator.Orchestrator[demoState], a *app) error {
	refresh := orchestrator.UseAction(o, a.refresh)
	first, err := refresh(ctx, refreshInput{})
	if err != nil {
		return err
	}
	second, err := refresh(ctx, refreshInput{})
	if err != nil {
		return err
	}
	log.Info().Msgf("zonectl.exercise zone=%s refreshes=%d cached=%t", o.Zone(), second.Refreshes, second.Cached && first.Token == second.Token)

	count, err := orchestrator.UseAction(o, a.increment)(ctx, 1)
	if err != nil {
		return err
	}
	state, err := o.GetState(ctx)
	if err != nil {
		return err
	}
	log.Info().Msgf("zonectl.exercise zone=%s counter=%d observed=%d", o.Zone(), count, state.Counter)

	if o.Zone().Kind == zone.Content {
		info, err := orchestrator.UseAction(o, a.inspect)(ctx, struct{}{})
		if err != nil {
			return err
		}
		log.Info().Msgf("zonectl.exercise zone=%s tab=%d counter=%d", o.Zone(), info.TabID, info.Counter)
	}
	return nil
}

// startDemoZone runs an orchestrator on hc. hc is destroyed when the zone
// cannot be brought up so its address is free for the next attempt.
func startDemoZone(ctx context.Context, hc *host.Context, a *app, defaults demoState, opts orchestrator.Options) (*orchestrator.Orchestrator[demoState], error) {
	o, err := orchestrator.New(hc, a.reg, defaults, opts)
	if err != nil {
		hc.Destroy()
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		_ = o.Close()
		hc.Destroy()
		return nil, err
	}
	return o, nil
}

// runLocalDemo starts a popup and a tab inside the host process, exercises
// the demo actions from both, and keeps them alive until ctx ends.
func runLocalDemo(ctx context.Context, h *host.Host, a *app, defaults demoState, cfg config.Config) error {
	zones := make([]*orchestrator.Orchestrator[demoState], 0, 2)
	defer func() {
		for _, o := range zones {
			_ = o.Close()
		}
	}()
	for _, kind := range []zone.Kind{zone.Popup, zone.Content} {
		hc, err := h.NewContext(kind)
		if err != nil {
			return err
		}
		o, err := startDemoZone(ctx, hc, a, defaults, orchestratorOptions(cfg))
		if err != nil {
			return err
		}
		zones = append(zones, o)
		logVaultEvents(o)
	}
	popup, tab := zones[0], zones[1]

	for _, o := range zones {
		if err := exercise(ctx, o, a); err != nil {
			log.Warn().Msgf("zonectl.runLocalDemo zone=%s err=%v", o.Zone(), err)
		}
	}
	inspect := orchestrator.UseAction(popup, a.inspect)
	info, err := inspect(orchestrator.WithTargetTab(ctx, tab.RuntimeInfo().TabID), struct{}{})
	if err != nil {
		log.Warn().Msgf("zonectl.runLocalDemo inspect err=%v", err)
	} else {
		log.Info().Msgf("zonectl.runLocalDemo popup inspected tab=%d caller=%s counter=%d", info.TabID, info.Caller, info.Counter)
	}
	<-ctx.Done()
	return nil
}
