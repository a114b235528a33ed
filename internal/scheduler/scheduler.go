// Package scheduler runs the billing background loops: the overdue tick, the
// zero-hour invoice sweep and the outbox drain. A redis lock keeps a single
// replica active; everything is driven off the injected clock so tests can
// steer time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/events"
	invoicedomain "github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/lessonbill/lessonbill/internal/notification"
	"github.com/lessonbill/lessonbill/internal/observability/metrics"
	"github.com/lessonbill/lessonbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runLockKey = "lessonbill:scheduler:run"

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB        *gorm.DB
	Caps      db.Capabilities
	Log       *zap.Logger
	Clock     clock.Clock
	Store     invoicedomain.Store
	Generator *ZeroHourGenerator
	Outbox    *events.Outbox
	Locker    *Locker               `optional:"true"`
	Cfg       Config                `optional:"true"`
	Metrics   *metrics.Metrics      `optional:"true"`
	Notifier  notification.Notifier `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	caps      db.Capabilities
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	store     invoicedomain.Store
	generator *ZeroHourGenerator
	outbox    *events.Outbox
	locker    *Locker
	metrics   *metrics.Metrics
	notifier  notification.Notifier
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Store == nil || p.Generator == nil || p.Outbox == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		caps:      p.Caps,
		log:       p.Log.Named("scheduler"),
		cfg:       p.Cfg.withDefaults(),
		clock:     p.Clock,
		store:     p.Store,
		generator: p.Generator,
		outbox:    p.Outbox,
		locker:    p.Locker,
		metrics:   p.Metrics,
		notifier:  p.Notifier,
	}, nil
}

func (s *Scheduler) inTx(fn func(tx *gorm.DB) error) error {
	if !s.caps.SupportsTransactions {
		return fn(s.db)
	}
	return s.db.Transaction(fn)
}

// RunOnce executes every enabled job a single time. With a locker configured,
// only the replica that wins the lock does the work.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, runLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("scheduler lock unavailable", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, runLockKey, token); err != nil {
				s.log.Warn("scheduler lock release failed", zap.Error(err))
			}
		}()
	}

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"overdue_tick", s.OverdueTickJob},
		{"zero_hour_check", s.ZeroHourJob},
		{"outbox_drain", s.OutboxDrainJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		if jobErr := job.Run(ctx); jobErr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", job.Name, jobErr))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// OverdueTickJob flips past-due unpaid invoices to overdue.
func (s *Scheduler) OverdueTickJob(ctx context.Context) error {
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ids, err := s.fetchOverdueCandidates(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return jobErr
		}
		processed := 0
		for _, id := range ids {
			flipped, err := s.markOverdue(ctx, id, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if flipped {
				processed++
			}
		}
		// Every candidate either flipped or raced away; in both cases the
		// next fetch shrinks, so a zero-progress batch means we are done.
		if processed == 0 {
			return jobErr
		}
	}
}

func (s *Scheduler) fetchOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM invoices
		 WHERE status IN ('pending', 'sent', 'partially_paid')
		   AND due_at IS NOT NULL
		   AND due_at < ?
		   AND deleted_at IS NULL
		 ORDER BY due_at, id
		 LIMIT ?`,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Scheduler) markOverdue(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	flipped := false
	err := s.inTx(func(tx *gorm.DB) error {
		agg, err := s.store.LoadTx(ctx, tx, id, true)
		if err != nil {
			if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
				return nil
			}
			return err
		}
		inv := agg.Invoice

		// Re-check under the lock; a payment may have settled it meanwhile.
		if !invoicedomain.CanTransition(invoicedomain.TriggerOverdueTick, inv.Status) {
			return nil
		}
		if inv.DueAt == nil || !inv.DueAt.Before(now) {
			return nil
		}

		next, err := invoicedomain.NextStatus(invoicedomain.TriggerOverdueTick, inv.Status, now, inv.DueAt)
		if err != nil {
			return err
		}
		inv.Status = next
		if err := s.store.SaveTx(ctx, tx, &inv); err != nil {
			return err
		}
		flipped = true
		return nil
	})
	if err != nil || !flipped {
		return false, err
	}

	s.metrics.RecordOverdueTransition(ctx)
	if s.notifier != nil {
		s.notifier.Notify(ctx, notification.Notification{
			Kind:      notification.KindInvoiceOverdue,
			InvoiceID: id,
			Recipient: notification.Recipient{AdminOnly: true},
		})
	}
	return true, nil
}

// ZeroHourJob sweeps guardians whose balance dropped to the threshold without
// a payment trigger (manual ledger edits, lesson debits).
func (s *Scheduler) ZeroHourJob(ctx context.Context) error {
	threshold := float64(s.generator.billingCfg.Get().ZeroHourThresholdMinutes) / 60.0

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM guardians
		 WHERE total_hours <= ?
		 ORDER BY id
		 LIMIT ?`,
		threshold,
		s.cfg.BatchSize,
	).Scan(&ids).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.generator.CheckGuardian(ctx, id); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// OutboxDrainJob publishes events left behind by crashed workers.
func (s *Scheduler) OutboxDrainJob(ctx context.Context) error {
	published, err := s.outbox.Drain(ctx, s.cfg.OutboxDrainSize)
	if err != nil {
		return err
	}
	if published > 0 {
		s.log.Debug("outbox drained", zap.Int("published", published))
	}
	return nil
}
