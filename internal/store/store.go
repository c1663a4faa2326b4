package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
)

var (
	ErrReplicaWrite = errors.New("store: replica is read-only")
	ErrSyncTimeout  = errors.New("store: replica sync timeout")
	ErrNotObject    = errors.New("store: state must encode as a JSON object")
)

// Snapshot is one full encoded tree at a version.
type Snapshot struct {
	Version uint64
	Tree    json.RawMessage
}

// Publisher sends snapshots to other zones. to is zone.Broadcast for fan-out.
type Publisher interface {
	PublishSnapshot(ctx context.Context, to zone.Address, snap Snapshot) error
}

// Requester asks the authoritative zone for a fresh snapshot.
type Requester interface {
	RequestSnapshot(ctx context.Context) error
}

// Options tune a store.
type Options struct {
	// DurableKeys lists the top-level keys written to persistence.
	// Nil persists every key; an empty slice persists none.
	DurableKeys []string
	// SyncTimeout bounds replica version waits.
	SyncTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{SyncTimeout: 5 * time.Second}
}

// Listener observes committed or applied trees.
type Listener[S any] func(state S, version uint64)

// Store is either the authoritative copy (background zone) or a replica.
type Store[S any] struct {
	authoritative bool
	opts          Options
	persist       Persistence
	publisher     Publisher
	requester     Requester

	writeMu sync.Mutex

	mu      sync.RWMutex
	tree    []byte
	version uint64
	target  uint64
	changed chan struct{}

	subsMu sync.Mutex
	subs   map[int]Listener[S]
	nextID int
}

// NewAuthoritative seeds the canonical tree from defaults merged with the
// durable entries in persist. The seeded tree is version 1.
func NewAuthoritative[S any](
	ctx context.Context,
	defaults S,
	persist Persistence,
	publisher Publisher,
	opts Options,
) (*Store[S], error) {
	base, err := encodeObject(defaults)
	if err != nil {
		return nil, err
	}
	if persist != nil {
		stored, err := persist.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("store: load persistence: %w", err)
		}
		for key, value := range stored {
			if opts.isDurable(key) {
				base[key] = value
			}
		}
	}
	tree, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var probe S
	if err := json.Unmarshal(tree, &probe); err != nil {
		return nil, fmt.Errorf("store: seeded tree does not decode: %w", err)
	}
	s := newStore[S](true, opts)
	s.persist = persist
	s.publisher = publisher
	s.tree = tree
	s.version = 1
	log.Debug().Msgf("store.NewAuthoritative version=1 keys=%d", len(base))
	return s, nil
}

// NewReplica starts a replica at version 0 holding defaults.
func NewReplica[S any](defaults S, requester Requester, opts Options) (*Store[S], error) {
	tree, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	s := newStore[S](false, opts)
	s.requester = requester
	s.tree = tree
	return s, nil
}

func newStore[S any](authoritative bool, opts Options) *Store[S] {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultOptions().SyncTimeout
	}
	return &Store[S]{
		authoritative: authoritative,
		opts:          opts,
		changed:       make(chan struct{}),
		subs:          make(map[int]Listener[S]),
	}
}

func (s *Store[S]) Authoritative() bool {
	return s.authoritative
}

// Version returns the committed (authoritative) or applied (replica) version.
func (s *Store[S]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns the current encoded tree.
func (s *Store[S]) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, Tree: append(json.RawMessage(nil), s.tree...)}
}

// GetState returns a copy of the tree. A replica first waits, bounded by the
// sync timeout, for every version it was told about to be applied.
func (s *Store[S]) GetState(ctx context.Context) (S, error) {
	if !s.authoritative {
		s.mu.RLock()
		target := s.target
		s.mu.RUnlock()
		if err := s.WaitVersion(ctx, target); err != nil && !errors.Is(err, ErrSyncTimeout) {
			var zero S
			return zero, err
		}
	}
	return s.decodeCurrent()
}

// SetState commits updater(copy of current) as the next version, persists
// the durable subset, broadcasts the snapshot, and notifies listeners.
func (s *Store[S]) SetState(ctx context.Context, updater func(S) S) (S, error) {
	var zero S
	if !s.authoritative {
		return zero, ErrReplicaWrite
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.decodeCurrent()
	if err != nil {
		return zero, err
	}
	next := updater(current)
	obj, err := encodeObject(next)
	if err != nil {
		return zero, err
	}
	tree, err := json.Marshal(obj)
	if err != nil {
		return zero, err
	}
	if s.persist != nil {
		if err := s.persist.Save(ctx, s.durableSubset(obj)); err != nil {
			return zero, fmt.Errorf("store: save persistence: %w", err)
		}
	}

	s.mu.Lock()
	s.tree = tree
	s.version++
	version := s.version
	s.signalLocked()
	s.mu.Unlock()

	log.Debug().Msgf("store.SetState committed version=%d bytes=%d", version, len(tree))
	if s.publisher != nil {
		snap := Snapshot{Version: version, Tree: append(json.RawMessage(nil), tree...)}
		if err := s.publisher.PublishSnapshot(ctx, zone.Broadcast, snap); err != nil {
			log.Warn().Msgf("store.SetState broadcast version=%d err=%v", version, err)
		}
	}
	s.notify(tree, version)

	var out S
	if err := json.Unmarshal(tree, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// ResetPersistence clears durable storage. The in-memory tree is unchanged.
func (s *Store[S]) ResetPersistence(ctx context.Context) error {
	if !s.authoritative {
		return ErrReplicaWrite
	}
	if s.persist == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	log.Info().Msgf("store.ResetPersistence version=%d", s.Version())
	return s.persist.Clear(ctx)
}

// Announce publishes the current snapshot to to (zone.Broadcast for all).
func (s *Store[S]) Announce(ctx context.Context, to zone.Address) error {
	if !s.authoritative || s.publisher == nil {
		return nil
	}
	return s.publisher.PublishSnapshot(ctx, to, s.Snapshot())
}

// Apply installs snap on a replica if its version is newer than the applied
// one. It reports whether the snapshot was applied.
func (s *Store[S]) Apply(snap Snapshot) bool {
	if s.authoritative {
		return false
	}
	var probe S
	if err := json.Unmarshal(snap.Tree, &probe); err != nil {
		log.Warn().Msgf("store.Apply undecodable snapshot version=%d err=%v", snap.Version, err)
		return false
	}
	s.mu.Lock()
	if snap.Version <= s.version {
		applied := s.version
		s.mu.Unlock()
		log.Trace().Msgf("store.Apply stale version=%d applied=%d", snap.Version, applied)
		return false
	}
	s.tree = append([]byte(nil), snap.Tree...)
	s.version = snap.Version
	tree := s.tree
	s.signalLocked()
	s.mu.Unlock()

	s.notify(tree, snap.Version)
	return true
}

// Observe records that version exists; GetState waits for it.
func (s *Store[S]) Observe(version uint64) {
	if s.authoritative {
		return
	}
	s.mu.Lock()
	if version > s.target {
		s.target = version
	}
	s.mu.Unlock()
}

// ResetEpoch forgets the applied version so the next snapshot from a
// restarted authoritative zone is accepted.
func (s *Store[S]) ResetEpoch() {
	if s.authoritative {
		return
	}
	s.mu.Lock()
	s.version = 0
	s.target = 0
	s.signalLocked()
	s.mu.Unlock()
	log.Debug().Msg("store.ResetEpoch applied=0")
}

// WaitVersion blocks until version is applied. On sync timeout it asks the
// authoritative zone for a snapshot and returns ErrSyncTimeout.
func (s *Store[S]) WaitVersion(ctx context.Context, version uint64) error {
	if s.authoritative || version == 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.SyncTimeout)
	defer timer.Stop()
	for {
		s.mu.RLock()
		applied := s.version
		changed := s.changed
		s.mu.RUnlock()
		if applied >= version {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			log.Warn().Msgf("store.WaitVersion timeout want=%d applied=%d", version, applied)
			if s.requester != nil {
				if err := s.requester.RequestSnapshot(ctx); err != nil {
					log.Warn().Msgf("store.WaitVersion resync request err=%v", err)
				}
			}
			return fmt.Errorf("%w: want=%d applied=%d", ErrSyncTimeout, version, applied)
		}
	}
}

// Subscribe registers fn for every committed or applied tree.
func (s *Store[S]) Subscribe(fn Listener[S]) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store[S]) notify(tree []byte, version uint64) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener[S], 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range listeners {
		var state S
		if err := json.Unmarshal(tree, &state); err != nil {
			log.Error().Msgf("store.notify decode version=%d err=%v", version, err)
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Msgf("store.notify listener panic version=%d panic=%v", version, r)
				}
			}()
			fn(state, version)
		}()
	}
}

func (s *Store[S]) decodeCurrent() (S, error) {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	var out S
	if err := json.Unmarshal(tree, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store[S]) durableSubset(obj map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for key, value := range obj {
		if s.opts.isDurable(key) {
			out[key] = value
		}
	}
	return out
}

func (s *Store[S]) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (o Options) isDurable(key string) bool {
	if o.DurableKeys == nil {
		return true
	}
	for _, k := range o.DurableKeys {
		if k == key {
			return true
		}
	}
	return false
}

func encodeObject(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrNotObject
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}
