package service

import (
	"context"
	"sync"
	"time"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/config"
	"go.uber.org/zap"
)

const (
	defaultSpoolSize     = 1024
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = 10
)

type spooled struct {
	row      *auditdomain.AuditLog
	attempts int
}

// spool buffers audit rows whose first write failed. A background loop
// retries them until they land or run out of attempts.
type spool struct {
	svc        *Service
	queue      chan spooled
	interval   time.Duration
	maxRetries int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newSpool(svc *Service, cfg config.AuditConfig) *spool {
	size := cfg.SpoolSize
	if size <= 0 {
		size = defaultSpoolSize
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &spool{
		svc:        svc,
		queue:      make(chan spooled, size),
		interval:   interval,
		maxRetries: maxRetries,
	}
}

func (s *spool) enqueue(row *auditdomain.AuditLog) {
	s.push(spooled{row: row})
}

func (s *spool) push(item spooled) bool {
	select {
	case s.queue <- item:
		return true
	default:
		s.svc.log.Error("audit spool full; record dropped",
			zap.String("action", item.row.Action),
			zap.String("audit_id", item.row.ID.String()),
		)
		s.svc.metrics.RecordAuditDropped(context.Background(), item.row.Action)
		return false
	}
}

func (s *spool) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.drain(ctx)
			}
		}
	}()
}

// stop halts the loop and makes one last attempt at everything queued.
func (s *spool) stop(ctx context.Context) {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	if remaining := s.drain(ctx); remaining > 0 {
		s.svc.log.Error("audit records lost on shutdown", zap.Int("count", remaining))
	}
}

func (s *spool) drain(ctx context.Context) int {
	pending := len(s.queue)
	for i := 0; i < pending; i++ {
		var item spooled
		select {
		case item = <-s.queue:
		default:
			return len(s.queue)
		}

		if err := s.svc.repo.Insert(ctx, s.svc.db, item.row); err != nil {
			item.attempts++
			if item.attempts >= s.maxRetries {
				s.svc.log.Error("audit record dropped after retries",
					zap.String("action", item.row.Action),
					zap.String("audit_id", item.row.ID.String()),
					zap.Int("attempts", item.attempts),
					zap.Error(err),
				)
				s.svc.metrics.RecordAuditDropped(ctx, item.row.Action)
				continue
			}
			s.push(item)
			continue
		}
		s.svc.log.Info("spooled audit record written",
			zap.String("action", item.row.Action),
			zap.String("audit_id", item.row.ID.String()),
		)
	}
	return len(s.queue)
}
