package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"registrar/internal/comms"
	"registrar/internal/verification/models"
	"registrar/pkg/domain"
)

type dirtyKey struct {
	id    domain.IdentityID
	epoch int
}

// pendingWrite is the latest state of an identity epoch that did not reach
// the store. A later write of the same epoch supersedes it.
type pendingWrite struct {
	identity *models.Identity
	archive  bool
}

// persist saves the live record of identity. Failures never abort the step:
// the in-memory state stays authoritative and the write is retried on the
// next sweep. Only cancellation is returned.
func (s *Service) persist(ctx context.Context, identity *models.Identity) error {
	return s.write(ctx, pendingWrite{identity: identity.Clone()})
}

func (s *Service) persistArchive(ctx context.Context, identity *models.Identity) error {
	return s.write(ctx, pendingWrite{identity: identity.Clone(), archive: true})
}

func (s *Service) write(ctx context.Context, w pendingWrite) error {
	key := dirtyKey{id: w.identity.ID, epoch: w.identity.Epoch}

	if s.breaker != nil && !s.breaker.Allow() {
		s.markDirty(key, w)
		return nil
	}

	err := s.cfg.PersistRetry.Do(ctx, func(ctx context.Context) error {
		if w.archive {
			return s.repo.Archive(ctx, w.identity)
		}
		return s.repo.Save(ctx, w.identity)
	}, func(attempt uint, err error, wait time.Duration) {
		s.logger.Warn("identity write failed, retrying",
			"identity", key.id, "epoch", key.epoch, "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err == nil {
		s.clearDirty(key)
		if s.breaker != nil {
			if _, change := s.breaker.RecordSuccess(); change.Closed {
				s.logger.Info("store writes resumed")
			}
		}
		return nil
	}
	s.markDirty(key, w)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if s.breaker != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.Error("store circuit opened, writes deferred", "breaker", s.breaker.Name())
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementPersistFailures()
	}
	s.logger.Error("identity write failed, keeping in-memory state",
		"identity", key.id, "epoch", key.epoch, "error", err)
	return s.diagnose(ctx, comms.DiagnosticError, key.id,
		fmt.Sprintf("state of epoch %d is not durable: %v", key.epoch, err))
}

// flushDirty retries pending writes oldest epoch first. It stops at the first
// failure so a down store costs one retry budget per sweep.
func (s *Service) flushDirty(ctx context.Context) error {
	if len(s.dirty) == 0 {
		return nil
	}
	keys := make([]dirtyKey, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b dirtyKey) int {
		if a.id != b.id {
			if a.id < b.id {
				return -1
			}
			return 1
		}
		return a.epoch - b.epoch
	})

	for _, k := range keys {
		w, ok := s.dirty[k]
		if !ok {
			continue
		}
		if err := s.write(ctx, w); err != nil {
			return err
		}
		if _, still := s.dirty[k]; still {
			return nil
		}
	}
	s.logger.Info("pending identity writes flushed", "count", len(keys))
	return nil
}

func (s *Service) markDirty(key dirtyKey, w pendingWrite) {
	s.dirty[key] = w
	if s.metrics != nil {
		s.metrics.SetDirty(len(s.dirty))
	}
}

func (s *Service) clearDirty(key dirtyKey) {
	delete(s.dirty, key)
	if s.metrics != nil {
		s.metrics.SetDirty(len(s.dirty))
	}
}
