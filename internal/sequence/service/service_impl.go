package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lessonbill/lessonbill/internal/clock"
	sequencedomain "github.com/lessonbill/lessonbill/internal/sequence/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// namedSeqRe matches admin-set names that encode a sequence, e.g.
// "Invoice #123 - January 2025" or "INV-000123".
var namedSeqRe = regexp.MustCompile(`#?(\d{1,10})`)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) sequencedomain.Allocator {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("sequence.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) AllocateNext(ctx context.Context, kind sequencedomain.Kind) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		value, err = s.AllocateNextTx(ctx, tx, kind)
		return err
	})
	return value, err
}

func (s *Service) AllocateNextTx(ctx context.Context, tx *gorm.DB, kind sequencedomain.Kind) (int64, error) {
	if !sequencedomain.ValidKind(kind) {
		return 0, sequencedomain.ErrInvalidKind
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO sequence_counters (kind, value, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (kind) DO NOTHING`,
		kind,
		now,
	).Error; err != nil {
		return 0, err
	}

	// The UPDATE takes a row lock, so concurrent allocations for the same
	// kind serialize here and each observes a distinct value.
	if err := tx.WithContext(ctx).Exec(
		`UPDATE sequence_counters SET value = value + 1, updated_at = ? WHERE kind = ?`,
		now,
		kind,
	).Error; err != nil {
		return 0, err
	}

	var value int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT value FROM sequence_counters WHERE kind = ?`,
		kind,
	).Scan(&value).Error; err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, sequencedomain.ErrInvalidSequence
	}
	return value, nil
}

func (s *Service) EnsureAtLeast(ctx context.Context, kind sequencedomain.Kind, n int64) error {
	if !sequencedomain.ValidKind(kind) {
		return sequencedomain.ErrInvalidKind
	}
	if n <= 0 {
		return nil
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO sequence_counters (kind, value, updated_at)
			 VALUES (?, 0, ?)
			 ON CONFLICT (kind) DO NOTHING`,
			kind,
			now,
		).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE sequence_counters SET value = ?, updated_at = ? WHERE kind = ? AND value < ?`,
			n,
			now,
			kind,
			n,
		).Error
	})
}

func (s *Service) BuildIdentifiers(kind sequencedomain.Kind, seq int64, month time.Month, year int) sequencedomain.Identifiers {
	ids := sequencedomain.Identifiers{Sequence: seq}

	switch kind {
	case sequencedomain.KindTeacherPayment:
		ids.InvoiceNumber = fmt.Sprintf("PAY-%06d", seq)
		ids.InvoiceName = fmt.Sprintf("Payment #%d", seq)
	default:
		ids.InvoiceNumber = fmt.Sprintf("INV-%06d", seq)
		if month > 0 && year > 0 {
			ids.InvoiceName = fmt.Sprintf("Invoice #%d - %s %d", seq, month.String(), year)
		} else {
			ids.InvoiceName = fmt.Sprintf("Invoice #%d", seq)
		}
	}

	// Monotonic input makes collisions improbable; the random suffix keeps
	// the slug unique even across resequencing.
	suffix := s.genID.Generate().String()
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	ids.Slug = slug.Make(fmt.Sprintf("%s-%s", ids.InvoiceNumber, suffix))

	return ids
}

// ParseSequenceFromName extracts an encoded sequence from an admin-set
// invoice name, returning 0 when none is present.
func ParseSequenceFromName(name string) int64 {
	match := namedSeqRe.FindStringSubmatch(name)
	if len(match) != 2 {
		return 0
	}
	parsed, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
