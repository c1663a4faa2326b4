package orchestrator

import (
	"context"

	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/zone"
)

// ExecContext is what a handler sees of the zone executing it.
type ExecContext[S any] struct {
	Orchestrator *Orchestrator[S]
	Store        *store.Store[S]
	Services     any
	// Caller is the address of the zone that invoked the action.
	Caller zone.Address
}

type targetTabKey struct{}

// WithTargetTab selects the content zone that executes content actions
// called under ctx.
func WithTargetTab(ctx context.Context, tabID int) context.Context {
	return context.WithValue(ctx, targetTabKey{}, tabID)
}

// TargetTab returns the tab selected by WithTargetTab.
func TargetTab(ctx context.Context) (int, bool) {
	tab, ok := ctx.Value(targetTabKey{}).(int)
	return tab, ok && tab > 0
}
