package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMinSyncInterval = 10 * time.Second
	DefaultDrainTimeout    = time.Second
)

type SyncerOptions struct {
	HardwareID     string
	Namespace      string
	SyncOnAppstart bool
	// ExternalWriter is set when another process writes the shared store, so
	// foreground transitions reload the stored inbox.
	ExternalWriter  bool
	MinSyncInterval time.Duration
	DrainTimeout    time.Duration
	Logger          Logger
	Now             func() time.Time
}

// Syncer decides between pulling the server history and reloading the
// persisted snapshot, and keeps the snapshot current.
type Syncer struct {
	engine     *Engine
	remote     Remote
	bridge     *Bridge
	hardwareID string
	namespace  string
	appstart   bool
	external   bool
	minSync    time.Duration
	drain      time.Duration
	logger     Logger
	now        func() time.Time

	syncMu sync.Mutex

	mu        sync.Mutex
	lastSync  time.Time
	ready     bool
	readyCh   chan struct{}
	readyOnce sync.Once

	unsubscribe func()
}

func NewSyncer(engine *Engine, remote Remote, bridge *Bridge, opts SyncerOptions) (*Syncer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	if bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	minSync := opts.MinSyncInterval
	if minSync <= 0 {
		minSync = DefaultMinSyncInterval
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Syncer{
		engine:     engine,
		remote:     remote,
		bridge:     bridge,
		hardwareID: opts.HardwareID,
		namespace:  opts.Namespace,
		appstart:   opts.SyncOnAppstart,
		external:   opts.ExternalWriter,
		minSync:    minSync,
		drain:      drain,
		logger:     opts.Logger,
		now:        now,
		readyCh:    make(chan struct{}),
	}
	s.unsubscribe = engine.OnInboxUpdate(s.persist)
	return s, nil
}

// Start runs the launch policy: a server sync when syncing on app start,
// otherwise a reload of the stored inbox.
func (s *Syncer) Start(ctx context.Context) error {
	if s.appstart {
		return s.SyncInbox(ctx, false)
	}
	return s.LoadFromStorage(ctx)
}

// Foreground runs the policy for the app returning to the foreground.
func (s *Syncer) Foreground(ctx context.Context) error {
	switch {
	case s.appstart:
		return s.SyncInbox(ctx, false)
	case s.external:
		return s.LoadFromStorage(ctx)
	default:
		return nil
	}
}

// SyncInbox replaces the inbox with the server history. Unless force is set,
// calls within the minimum interval of the last sync do nothing.
func (s *Syncer) SyncInbox(ctx context.Context, force bool) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if last := s.LastSync(); !force && !last.IsZero() && s.now().Sub(last) <= s.minSync {
		logf(s.logger, "[DEBUG] inbox synced %s ago; skipping", s.now().Sub(last).Round(time.Millisecond))
		return nil
	}

	timer := time.NewTimer(s.drain)
	select {
	case <-s.engine.Receipts().Flush():
	case <-timer.C:
		logf(s.logger, "[WARN] read receipts still pending after %s; syncing anyway", s.drain)
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
	timer.Stop()

	items, err := s.remote.GetRecentNotifications(ctx, s.hardwareID, s.engine.Size())
	if err != nil {
		return fmt.Errorf("sync inbox: %w", err)
	}
	s.markSynced(s.now())
	if items == nil {
		return nil
	}
	s.engine.Replace(items, false)
	return nil
}

// LoadFromStorage replaces the inbox with the persisted snapshot, falling back
// to a server sync when none is usable.
func (s *Syncer) LoadFromStorage(ctx context.Context) error {
	snap, ok, err := s.bridge.Load(ctx, s.namespace)
	if err != nil {
		logf(s.logger, "[WARN] %v; falling back to server sync", err)
		return s.SyncInbox(ctx, false)
	}
	if !ok {
		return s.SyncInbox(ctx, false)
	}
	s.markSynced(snap.LastSync)
	s.engine.Replace(snap.Inbox, true)
	return nil
}

func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

func (s *Syncer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WaitReady waits at most d for the first sync or storage load.
func (s *Syncer) WaitReady(ctx context.Context, d time.Duration) bool {
	if s.Ready() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.readyCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops persisting engine updates.
func (s *Syncer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Syncer) markSynced(at time.Time) {
	s.mu.Lock()
	s.lastSync = at
	s.ready = true
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *Syncer) persist(update InboxUpdate) {
	if update.FromStorage {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	if err := s.bridge.Save(ctx, s.namespace, update.Inbox, s.LastSync()); err != nil {
		logf(s.logger, "[ERROR] persist inbox: %v", err)
	}
}
