package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval = time.Minute
	loadTimeout            = 5 * time.Second
	snapshotKey            = "snapshot"
)

// Mirror keeps a copy of the last loaded entries outside the process so a
// fresh instance can keep answering while the backing store is down.
type Mirror interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// CachedStore serves reads from an in-memory snapshot of a backing Store.
// Refreshes build a new snapshot and publish it with a single pointer swap,
// so readers see either the old or the new knowledge base, never a mix.
type CachedStore struct {
	backing  Store
	mirror   Mirror
	interval time.Duration
	logger   zerolog.Logger

	current    atomic.Pointer[Snapshot]
	stale      atomic.Bool
	generation atomic.Uint64
	group      singleflight.Group
}

// CachedStoreOption customizes a CachedStore.
type CachedStoreOption func(*CachedStore)

// WithRefreshInterval sets how often Run reloads the snapshot.
func WithRefreshInterval(interval time.Duration) CachedStoreOption {
	return func(s *CachedStore) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMirror attaches a Mirror that is written after every load and read
// when the backing store fails before any snapshot exists.
func WithMirror(mirror Mirror) CachedStoreOption {
	return func(s *CachedStore) {
		s.mirror = mirror
	}
}

func NewCachedStore(backing Store, logger zerolog.Logger, opts ...CachedStoreOption) *CachedStore {
	s := &CachedStore{
		backing:  backing,
		interval: defaultRefreshInterval,
		logger:   logger.With().Str("component", "knowledge_cache").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current snapshot, loading it on first use or after
// Invalidate. A failed reload keeps serving the previous snapshot.
func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := s.current.Load()
	if snap != nil && !s.stale.Load() {
		return snap, nil
	}

	fresh, err := s.load(ctx)
	if err != nil {
		if snap != nil {
			s.logger.Warn().Err(err).Msg("reload failed, serving previous snapshot")
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

func (s *CachedStore) ActiveEntries(ctx context.Context) ([]Entry, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Entries(), nil
}

// EntryByID answers from the snapshot and falls through to the backing
// store for entries that are not active.
func (s *CachedStore) EntryByID(ctx context.Context, id int) (*Entry, error) {
	if snap := s.current.Load(); snap != nil {
		if entry, ok := snap.entryByID(id); ok {
			return entry, nil
		}
	}
	return s.backing.EntryByID(ctx, id)
}

// Refresh reloads the snapshot now.
func (s *CachedStore) Refresh(ctx context.Context) error {
	_, err := s.load(ctx)
	return err
}

// Invalidate marks the snapshot stale; the next read reloads it. A load
// already in flight is detached so readers never join it.
func (s *CachedStore) Invalidate() {
	s.generation.Add(1)
	s.stale.Store(true)
	s.group.Forget(snapshotKey)
}

// Run refreshes the snapshot every interval until ctx is done.
func (s *CachedStore) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial knowledge load failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic knowledge refresh failed")
			}
		}
	}
}

func (s *CachedStore) load(ctx context.Context) (*Snapshot, error) {
	value, err, _ := s.group.Do(snapshotKey, func() (interface{}, error) {
		generation := s.generation.Load()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		entries, err := s.backing.ActiveEntries(loadCtx)
		if err != nil {
			if s.current.Load() == nil {
				if mirrored, ok := s.fromMirror(loadCtx, err); ok {
					entries = mirrored
					err = nil
				}
			}
			if err != nil {
				if !errors.Is(err, ErrStoreUnavailable) {
					err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
				}
				return nil, err
			}
		} else if s.mirror != nil {
			if mirrorErr := s.mirror.Save(loadCtx, entries); mirrorErr != nil {
				s.logger.Warn().Err(mirrorErr).Msg("mirror knowledge snapshot failed")
			}
		}

		snap := NewSnapshot(entries)
		// An Invalidate during the read means entries may predate an admin
		// write; keep the store stale and let a newer load publish.
		if s.generation.Load() != generation {
			s.current.CompareAndSwap(nil, snap)
			s.logger.Debug().Msg("knowledge snapshot superseded by invalidation")
			return snap, nil
		}
		s.current.Store(snap)
		s.stale.Store(false)
		if s.generation.Load() != generation {
			s.stale.Store(true)
		}
		s.logger.Debug().
			Int("entries", snap.Len()).
			Time("loaded_at", snap.LoadedAt()).
			Msg("knowledge snapshot published")
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Snapshot), nil
}

func (s *CachedStore) fromMirror(ctx context.Context, cause error) ([]Entry, bool) {
	if s.mirror == nil {
		return nil, false
	}
	entries, err := s.mirror.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).AnErr("cause", cause).Msg("knowledge mirror unavailable")
		return nil, false
	}
	s.logger.Warn().Err(cause).Int("entries", len(entries)).Msg("backing store down, serving mirrored snapshot")
	return entries, true
}
