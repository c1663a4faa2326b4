package orchestrator

import (
	"errors"
	"fmt"

	"github.com/danmuck/zonectl/internal/zone"
)

var (
	ErrTransport           = errors.New("orchestrator: transport failure")
	ErrCallTimeout         = errors.New("orchestrator: call timeout")
	ErrTargetDetached      = errors.New("orchestrator: target zone detached")
	ErrUnknownMessageKind  = errors.New("orchestrator: unknown message kind")
	ErrAlreadyInstantiated = errors.New("orchestrator: already instantiated in this context")
	ErrNotInitialized      = errors.New("orchestrator: not initialized")
	ErrDuplicateAction     = errors.New("orchestrator: duplicate action id")
	ErrInvalidAction       = errors.New("orchestrator: invalid action definition")
	ErrRegistrySealed      = errors.New("orchestrator: registry sealed")
	ErrTargetRequired      = errors.New("orchestrator: target tab required")
)

// ActionError reports that a handler ran and failed.
type ActionError struct {
	ActionID string
	Zone     zone.Address
	Message  string

	// err is the handler's own error; set only on the local path.
	err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed in %s: %s", e.ActionID, e.Zone, e.Message)
}

func (e *ActionError) Unwrap() error {
	return e.err
}

// TransportError reports that a call never produced a handler outcome.
type TransportError struct {
	ActionID string
	Target   zone.Address
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure action=%s target=%s: %v", e.ActionID, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
