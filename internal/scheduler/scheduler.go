package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/commerce/internal/clock"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	signaldomain "github.com/smallbiznis/commerce/internal/signal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    signaldomain.Repository
	Signals signaldomain.Service
	Config  Config `optional:"true"`
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	repo    signaldomain.Repository
	signals signaldomain.Service
}

// SweepResult counts the outcome of one redelivery sweep.
type SweepResult struct {
	Scanned   int
	Processed int
	Skipped   int
	Failed    int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Signals == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		repo:    p.Repo,
		signals: p.Signals,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce re-dispatches one batch of signals that were recorded but never
// completed. Events younger than RecoveryThreshold are left to the sender's
// own redelivery; events older than MaxAge are abandoned.
func (s *Scheduler) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	events, err := s.repo.ListUnprocessed(ctx, s.db, now.Add(-s.cfg.MaxAge), now.Add(-s.cfg.RecoveryThreshold), s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	// Audit rows written during the sweep share its run id.
	runID := ulid.Make().String()
	ctx = obscontext.WithRequestID(ctx, "sweep-"+runID)

	var jobErr error
	for i := range events {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		status, err := s.redeliver(ctx, &events[i])
		switch {
		case err != nil:
			result.Failed++
			jobErr = errors.Join(jobErr, err)
		case status == signaldomain.StatusProcessed:
			result.Processed++
		default:
			result.Skipped++
		}
	}

	s.log.Info("redelivery sweep finished",
		zap.String("run_id", runID),
		zap.Int("scanned", result.Scanned),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, jobErr
}

func (s *Scheduler) redeliver(ctx context.Context, event *signaldomain.WebhookEvent) (signaldomain.Status, error) {
	var env signaldomain.Envelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return "", fmt.Errorf("decode %s/%s: %w", event.Provider, event.EventID, err)
	}
	status, err := s.signals.Handle(ctx, env)
	if err != nil {
		s.log.Warn("redelivery failed",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return "", err
	}
	return status, nil
}
