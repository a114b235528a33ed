package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	guardiandomain "github.com/lessonbill/lessonbill/internal/guardian/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal {
	out := d(v)
	return &out
}

func item(classID int64, date time.Time, minutes int, rate string) LineItem {
	id := snowflake.ID(classID)
	return LineItem{
		ID:              snowflake.ID(classID * 1000),
		ClassID:         &id,
		Date:            date,
		DurationMinutes: minutes,
		Rate:            d(rate),
		Amount:          d(rate).Mul(decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60))).Round(2),
	}
}

func TestComputeSubtotalSkipsExemptItems(t *testing.T) {
	base := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	items := []LineItem{
		item(1, base, 60, "10"),
		item(2, base.AddDate(0, 0, 1), 90, "10"),
	}
	items[1].ExemptFromGuardian = true

	assert.True(t, ComputeSubtotal(items).Equal(d("10")))
}

func TestRecomputeTotals(t *testing.T) {
	base := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	inv := Invoice{
		Discount: d("1"),
		LateFee:  d("0.5"),
		Tip:      d("2"),
		Snapshot: Snapshot{
			TransferFeeMode:   guardiandomain.TransferFeeModeFixed,
			TransferFeeAmount: d("2"),
		},
	}
	items := []LineItem{item(1, base, 60, "10")}

	RecomputeTotals(&inv, items)

	assert.True(t, inv.Subtotal.Equal(d("10")))
	// 10 + fee 2 + late 0.5 + tip 2 - discount 1
	assert.True(t, inv.Total.Equal(d("13.5")), "got %s", inv.Total)
	assert.True(t, inv.AdjustedTotal.Equal(inv.Total))
}

func TestTransferFee(t *testing.T) {
	t.Run("percent of subtotal", func(t *testing.T) {
		inv := Invoice{
			Subtotal: d("200"),
			Snapshot: Snapshot{
				TransferFeeMode:   guardiandomain.TransferFeeModePercent,
				TransferFeeAmount: d("2.5"),
			},
		}
		assert.True(t, inv.TransferFee().Equal(d("5")))
	})

	t.Run("waived by coverage", func(t *testing.T) {
		inv := Invoice{
			Subtotal: d("200"),
			Coverage: Coverage{WaiveTransferFee: true},
			Snapshot: Snapshot{
				TransferFeeMode:   guardiandomain.TransferFeeModeFixed,
				TransferFeeAmount: d("2"),
			},
		}
		assert.True(t, inv.TransferFee().IsZero())
	})
}

func TestDerivePaidAmount(t *testing.T) {
	logs := []PaymentLogEntry{
		{Amount: d("12"), Method: MethodManual},
		{Amount: d("8"), Method: MethodCard},
		{Amount: d("-10"), Method: MethodRefund},
		// Tip distribution never counts toward paid.
		{Amount: d("3"), Method: MethodTipDistribution},
	}
	assert.True(t, DerivePaidAmount(logs).Equal(d("10")), "got %s", DerivePaidAmount(logs))
}

func TestSumPositivePaymentHours(t *testing.T) {
	logs := []PaymentLogEntry{
		{Amount: d("12"), Method: MethodManual, PaidHours: dp("1")},
		{Amount: d("10"), Method: MethodBank, PaidHours: dp("0.5")},
		{Amount: d("-12"), Method: MethodRefund, PaidHours: dp("1")},
		{Amount: d("5"), Method: MethodManual},
	}
	assert.True(t, SumPositivePaymentHours(logs).Equal(d("1.5")))
}

func TestCoveredClassIDsWalksChronologically(t *testing.T) {
	base := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	items := []LineItem{
		item(3, base.AddDate(0, 0, 2), 60, "10"),
		item(1, base, 60, "10"),
		item(2, base.AddDate(0, 0, 1), 30, "10"),
	}

	covered := CoveredClassIDs(items, d("1.5"))
	require.Equal(t, []int64{1, 2}, covered)

	covered = CoveredClassIDs(items, d("2.5"))
	require.Equal(t, []int64{1, 2, 3}, covered)

	covered = CoveredClassIDs(items, d("0"))
	require.Empty(t, covered)
}

func TestCoveredClassIDsBoundaryEpsilon(t *testing.T) {
	base := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	items := []LineItem{
		item(1, base, 60, "10"),
		item(2, base.AddDate(0, 0, 1), 60, "10"),
	}

	// 1.9995h paid: the second lesson overruns by 0.0005, inside the slack.
	covered := CoveredClassIDs(items, d("1.9995"))
	require.Equal(t, []int64{1, 2}, covered)

	covered = CoveredClassIDs(items, d("1.9"))
	require.Equal(t, []int64{1}, covered)
}

func TestRemainingBalanceFloorsAtZero(t *testing.T) {
	inv := Invoice{Total: d("10"), PaidAmount: d("12")}
	assert.True(t, inv.RemainingBalance().IsZero())

	inv = Invoice{Total: d("10"), PaidAmount: d("4")}
	assert.True(t, inv.RemainingBalance().Equal(d("6")))
}
