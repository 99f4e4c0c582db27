// Package tiered provides a Hot/Cold storage adapter that mirrors the
// subscription ledger across a fast ephemeral store (Hot) and a durable
// persistent store (Cold), with per-operation strategies.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) serving read-heavy
	// status checks
	Hot subplatform.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as
	// the source of truth
	Cold subplatform.Storage

	// AsyncMirror enables non-blocking replication of config, whitelist
	// and tier mutations to the Hot store. Ledger mutations (renewals,
	// cancellations) always replay inline: settlement re-validation reads
	// the pair right back and must not see a lagging Hot copy.
	AsyncMirror bool

	// MirrorBufferSize is the size of the buffered channel for async
	// replication. Default: 1000
	MirrorBufferSize int

	// MirrorErrorHandler is called when a Hot replay fails or is dropped.
	// Essential for monitoring drift between the two stores.
	MirrorErrorHandler func(error)
}

// Storage implements a Hot/Cold mirrored storage architecture. Every
// mutation commits to Cold first; the same operation is then replayed on
// Hot so both stores see an identical operation sequence and the Hot copy
// of the ledger stays byte-equivalent. Reads prefer Hot and fall back to
// Cold.
//
// Hot replay failures never fail the operation: Cold is the source of
// truth and a lagging Hot store only degrades read freshness.
type Storage struct {
	hot  subplatform.Storage
	cold subplatform.Storage
	conf Config

	mirrorQueue chan func() error
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.MirrorBufferSize <= 0 {
		config.MirrorBufferSize = 1000
	}

	s := &Storage{
		hot:         config.Hot,
		cold:        config.Cold,
		conf:        config,
		mirrorQueue: make(chan func() error, config.MirrorBufferSize),
		shutdown:    make(chan struct{}),
	}

	if config.AsyncMirror {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async mirror worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncMirror {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background replication loop. Sequential processing
// preserves the causal order of ledger mutations per pair.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.mirrorQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered mirror failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.mirrorQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.MirrorErrorHandler != nil {
		s.conf.MirrorErrorHandler(err)
	}
}

// mirror replays a mutation on the Hot store, inline or through the async
// worker depending on configuration.
func (s *Storage) mirror(job func() error) {
	if !s.conf.AsyncMirror {
		s.mirrorInline(job)
		return
	}

	select {
	case s.mirrorQueue <- job:
	default:
		s.reportError(errors.New("tiered storage: mirror queue full, dropping hot replay"))
	}
}

// mirrorInline replays a mutation on the Hot store synchronously.
func (s *Storage) mirrorInline(job func() error) {
	if err := job(); err != nil {
		s.reportError(fmt.Errorf("tiered mirror failed: %w", err))
	}
}

// --- Platform configuration ---

// GetPlatformConfig reads Hot first and falls back to Cold with read-repair.
func (s *Storage) GetPlatformConfig(ctx context.Context) (*subplatform.PlatformConfig, error) {
	cfg, err := s.hot.GetPlatformConfig(ctx)
	if err == nil {
		return cfg, nil
	}

	cfg, err = s.cold.GetPlatformConfig(ctx)
	if err != nil {
		return nil, err
	}

	// Read-repair; errors are non-critical cache fills
	_ = s.hot.SetPlatformConfig(ctx, cfg) //nolint:errcheck

	return cfg, nil
}

// SetPlatformConfig writes through: Cold for durability, then Hot.
func (s *Storage) SetPlatformConfig(ctx context.Context, cfg *subplatform.PlatformConfig) error {
	if err := s.cold.SetPlatformConfig(ctx, cfg); err != nil {
		return err
	}
	snapshot := *cfg
	s.mirror(func() error {
		return s.hot.SetPlatformConfig(context.Background(), &snapshot)
	})
	return nil
}

// --- Token registry ---

// SetTokenWhitelisted writes through: Cold first, then Hot.
func (s *Storage) SetTokenWhitelisted(ctx context.Context, token string, whitelisted bool) error {
	if err := s.cold.SetTokenWhitelisted(ctx, token, whitelisted); err != nil {
		return err
	}
	s.mirror(func() error {
		return s.hot.SetTokenWhitelisted(context.Background(), token, whitelisted)
	})
	return nil
}

// IsTokenWhitelisted trusts a Hot positive; a Hot negative is confirmed
// against Cold since a miss and a de-listed token look the same.
func (s *Storage) IsTokenWhitelisted(ctx context.Context, token string) (bool, error) {
	ok, err := s.hot.IsTokenWhitelisted(ctx, token)
	if err == nil && ok {
		return true, nil
	}

	ok, err = s.cold.IsTokenWhitelisted(ctx, token)
	if err != nil {
		return false, err
	}
	if ok {
		_ = s.hot.SetTokenWhitelisted(ctx, token, true) //nolint:errcheck
	}
	return ok, nil
}

// --- Tier catalog ---

// CreateTier allocates the ID on Cold, then replays on Hot. Because every
// mutation flows through this adapter both stores see the same create
// sequence, so the Hot store assigns the same ID; a mismatch means the
// stores have drifted and is reported.
func (s *Storage) CreateTier(ctx context.Context, tier *subplatform.Tier) (uint64, error) {
	id, err := s.cold.CreateTier(ctx, tier)
	if err != nil {
		return 0, err
	}

	replay := *tier
	s.mirror(func() error {
		hotID, err := s.hot.CreateTier(context.Background(), &replay)
		if err != nil {
			return err
		}
		if hotID != id {
			return fmt.Errorf("tier id drift for creator %s: cold=%d hot=%d", tier.Creator, id, hotID)
		}
		return nil
	})
	return id, nil
}

// GetTier reads Hot first and falls back to Cold.
func (s *Storage) GetTier(ctx context.Context, creator string, tierID uint64) (*subplatform.Tier, error) {
	tier, err := s.hot.GetTier(ctx, creator, tierID)
	if err == nil {
		return tier, nil
	}
	return s.cold.GetTier(ctx, creator, tierID)
}

// SetTierActive writes through: Cold first, then Hot.
func (s *Storage) SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error {
	if err := s.cold.SetTierActive(ctx, creator, tierID, active); err != nil {
		return err
	}
	s.mirror(func() error {
		return s.hot.SetTierActive(context.Background(), creator, tierID, active)
	})
	return nil
}

// ListTiers reads the authoritative catalog from Cold; a lagging Hot store
// could hide freshly created tiers.
func (s *Storage) ListTiers(ctx context.Context, creator string) ([]*subplatform.Tier, error) {
	return s.cold.ListTiers(ctx, creator)
}

// --- Subscription ledger ---

// GetSubscription serves the status-check hot path from Hot and falls back
// to Cold.
func (s *Storage) GetSubscription(ctx context.Context, subscriber, creator string) (*subplatform.Subscription, error) {
	sub, err := s.hot.GetSubscription(ctx, subscriber, creator)
	if err == nil {
		return sub, nil
	}
	// Hot miss or degraded Hot store; Cold still answers
	return s.cold.GetSubscription(ctx, subscriber, creator)
}

// ApplyRenewal settles on Cold, then replays the identical request on Hot.
// The expiry arithmetic is deterministic for a given committed record, so a
// lockstep Hot store computes the same extension.
func (s *Storage) ApplyRenewal(ctx context.Context, req *subplatform.RenewalRequest) (*subplatform.RenewalResult, error) {
	result, err := s.cold.ApplyRenewal(ctx, req)
	if err != nil {
		return nil, err
	}

	replay := *req
	if req.Record != nil {
		record := *req.Record
		replay.Record = &record
	}
	// Inline even under AsyncMirror: the caller re-reads this pair
	// immediately after the settlement commits
	s.mirrorInline(func() error {
		_, err := s.hot.ApplyRenewal(context.Background(), &replay)
		// The Hot store may have already seen this settlement through a
		// read-repair of the record; that is not drift
		if errors.Is(err, subplatform.ErrIdempotencyKeyExists) {
			return nil
		}
		return err
	})
	return result, nil
}

// CancelSubscription cancels on Cold, then replays on Hot.
func (s *Storage) CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*subplatform.Subscription, error) {
	sub, err := s.cold.CancelSubscription(ctx, subscriber, creator, now)
	if err != nil {
		return nil, err
	}
	s.mirrorInline(func() error {
		_, err := s.hot.CancelSubscription(context.Background(), subscriber, creator, now)
		// Hot may have never seen the pair; Cold already holds the cancel
		if errors.Is(err, subplatform.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	})
	return sub, nil
}

// GetSettlementRecord checks Hot first for idempotency during mirror lag,
// then Cold.
func (s *Storage) GetSettlementRecord(ctx context.Context, idempotencyKey string) (*subplatform.SettlementRecord, error) {
	rec, err := s.hot.GetSettlementRecord(ctx, idempotencyKey)
	if err == nil && rec != nil {
		return rec, nil
	}
	return s.cold.GetSettlementRecord(ctx, idempotencyKey)
}

// --- TimeSource support ---

// Now prefers the Hot store clock (usually Redis TIME) since it governs the
// read-heavy status checks, falls back to Cold, then to local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(subplatform.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(subplatform.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
