package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/clock"
	"github.com/lessonbill/lessonbill/internal/config"
	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// coverageEpsilon is the slack allowed when the boundary lesson would push
// cumulative hours just past the cap.
var coverageEpsilon = decimal.NewFromFloat(0.001)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
}

func NewService(p Params) lessondomain.Selector {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("lesson.selector"),
		clock:      p.Clock,
		billingCfg: p.BillingCfg,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*lessondomain.Class, error) {
	var class lessondomain.Class
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&class).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lessondomain.ErrClassNotFound
		}
		return nil, err
	}
	return &class, nil
}

func (s *Service) SetPaidByGuardianTx(ctx context.Context, tx *gorm.DB, classIDs []snowflake.ID, paid bool) error {
	if len(classIDs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE classes SET paid_by_guardian = ?, updated_at = ? WHERE id IN ?`,
		paid,
		s.clock.Now(),
		classIDs,
	).Error
}

func (s *Service) Select(ctx context.Context, guardianID snowflake.ID, window lessondomain.Window, rate decimal.Decimal, opts lessondomain.SelectOptions) ([]lessondomain.Candidate, error) {
	if guardianID == 0 {
		return nil, lessondomain.ErrInvalidGuardian
	}

	cfg := s.billingCfg.Get()
	rate = s.resolveRate(ctx, guardianID, rate, cfg)

	classes, err := s.loadCandidates(ctx, guardianID, window, opts)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	eligible := make([]lessondomain.Class, 0, len(classes))
	for _, class := range classes {
		if s.isEligible(class, now) {
			eligible = append(eligible, class)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].ScheduledAt.Equal(eligible[j].ScheduledAt) {
			return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 || limit > cfg.MaxInvoiceItems {
		limit = cfg.MaxInvoiceItems
	}

	candidates := make([]lessondomain.Candidate, 0, len(eligible))
	cumulative := decimal.Zero
	for _, class := range eligible {
		if len(candidates) >= limit {
			break
		}

		hours := class.Hours()
		if opts.CoverageCapHours != nil {
			next := cumulative.Add(hours)
			// Include the boundary lesson in full only when it does not
			// overrun the cap beyond the epsilon.
			if next.GreaterThan(opts.CoverageCapHours.Add(coverageEpsilon)) {
				break
			}
			cumulative = next
		}

		candidates = append(candidates, lessondomain.Candidate{
			Class:  class,
			Rate:   rate,
			Amount: rate.Mul(hours).Round(2),
		})
	}

	return candidates, nil
}

func (s *Service) resolveRate(ctx context.Context, guardianID snowflake.ID, rate decimal.Decimal, cfg config.BillingConfig) decimal.Decimal {
	if rate.IsPositive() {
		return rate
	}

	var guardianRate decimal.Decimal
	err := s.db.WithContext(ctx).Raw(
		`SELECT hourly_rate FROM guardians WHERE id = ?`,
		guardianID,
	).Scan(&guardianRate).Error
	if err == nil && guardianRate.IsPositive() {
		return guardianRate
	}

	return decimal.NewFromFloat(cfg.DefaultHourlyRate)
}

func (s *Service) loadCandidates(ctx context.Context, guardianID snowflake.ID, window lessondomain.Window, opts lessondomain.SelectOptions) ([]lessondomain.Class, error) {
	query := s.db.WithContext(ctx).
		Where("guardian_id = ?", guardianID).
		Where("deleted_at IS NULL").
		Where("hidden = ?", false).
		Where("paid_by_guardian = ?", false).
		Where("status NOT IN ?", []lessondomain.ClassStatus{
			lessondomain.StatusCancelled,
			lessondomain.StatusCancelledByGuard,
			lessondomain.StatusCancelledByTeach,
			lessondomain.StatusCancelledByAdmin,
			lessondomain.StatusNoShowBoth,
			lessondomain.StatusPattern,
			lessondomain.StatusOnHold,
		})

	// Cross-invoice uniqueness: the class must not sit on any other active
	// invoice, matched by both the class reference and the denormalized
	// lesson id so items on deleted classes still block duplicates.
	query = query.Where(
		`NOT EXISTS (
			SELECT 1 FROM invoice_items ii
			JOIN invoices i ON i.id = ii.invoice_id
			WHERE (ii.class_id = classes.id OR ii.lesson_id = CAST(classes.id AS TEXT))
			  AND i.status NOT IN ('cancelled', 'refunded')
			  AND i.deleted_at IS NULL
		)`,
	)

	if window.End != nil {
		query = query.Where("scheduled_at <= ?", *window.End)
	}
	if window.Start != nil {
		query = query.Where("scheduled_at >= ?", *window.Start)
	}

	if len(opts.StudentAllowList) > 0 {
		query = query.Where("student_id IN ?", opts.StudentAllowList)
	}
	if len(opts.ExcludeClassIDs) > 0 {
		query = query.Where("id NOT IN ?", opts.ExcludeClassIDs)
	}

	var classes []lessondomain.Class
	if err := query.Find(&classes).Error; err != nil {
		return nil, err
	}
	return classes, nil
}

// isEligible applies the status/time rules: attended and missed lessons are
// always billable; future lessons are billable while non-terminal; past
// non-terminal lessons stay billable only while the report-submission window
// is open.
func (s *Service) isEligible(class lessondomain.Class, now time.Time) bool {
	switch class.Status {
	case lessondomain.StatusAttended, lessondomain.StatusMissedByStudent:
		return true
	}

	if lessondomain.Terminal(class.Status) {
		return false
	}

	if !class.ScheduledAt.Before(now) {
		switch class.Status {
		case lessondomain.StatusScheduled, lessondomain.StatusInProgress, lessondomain.StatusCompleted, "":
			return true
		default:
			return false
		}
	}

	return s.reportWindowOpen(class, now)
}

func (s *Service) reportWindowOpen(class lessondomain.Class, now time.Time) bool {
	if class.ReportExtendedTo != nil && now.Before(*class.ReportExtendedTo) {
		return true
	}
	if class.ReportDeadlineAt != nil {
		return now.Before(*class.ReportDeadlineAt)
	}

	days := s.billingCfg.Get().ReportWindowDays
	deadline := class.ScheduledAt.AddDate(0, 0, days)
	return now.Before(deadline)
}
