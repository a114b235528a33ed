package domain

import "github.com/shopspring/decimal"

// ComputeSubtotal sums item amounts, skipping guardian-exempt items.
func ComputeSubtotal(items []LineItem) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range items {
		if item.ExemptFromGuardian {
			continue
		}
		subtotal = subtotal.Add(item.Amount)
	}
	return subtotal.Round(2)
}

// RecomputeTotals refreshes subtotal, total and adjusted total from the item
// list. Tax is modelled but currently always zero.
func RecomputeTotals(inv *Invoice, items []LineItem) {
	inv.Subtotal = ComputeSubtotal(items)
	inv.Total = inv.Subtotal.
		Add(inv.TransferFee()).
		Add(inv.LateFee).
		Add(inv.Tip).
		Add(inv.Tax).
		Sub(inv.Discount).
		Round(2)
	inv.AdjustedTotal = inv.Total
}

// DerivePaidAmount sums the payment log: positive non-refund, non-tip
// entries minus refund magnitudes. The stored PaidAmount column is a cache
// of this value.
func DerivePaidAmount(logs []PaymentLogEntry) decimal.Decimal {
	paid := decimal.Zero
	for _, entry := range logs {
		if entry.CountsTowardPaid() {
			paid = paid.Add(entry.Amount)
			continue
		}
		if entry.Method == MethodRefund {
			paid = paid.Sub(entry.Amount.Abs())
		}
	}
	return paid.Round(2)
}

// SumPositivePaymentHours totals the hours attached to positive payment
// logs; it anchors coverage recomputation after refunds.
func SumPositivePaymentHours(logs []PaymentLogEntry) decimal.Decimal {
	hours := decimal.Zero
	for _, entry := range logs {
		if !entry.CountsTowardPaid() || entry.PaidHours == nil {
			continue
		}
		hours = hours.Add(*entry.PaidHours)
	}
	return hours.Round(3)
}

// TotalItemHours sums item durations in hours.
func TotalItemHours(items []LineItem) decimal.Decimal {
	hours := decimal.Zero
	for _, item := range items {
		hours = hours.Add(item.Hours())
	}
	return hours.Round(3)
}

// EligibleItemHours sums hours over items that map to the guardian balance.
func EligibleItemHours(items []LineItem) decimal.Decimal {
	hours := decimal.Zero
	for _, item := range items {
		if item.ExemptFromGuardian {
			continue
		}
		hours = hours.Add(item.Hours())
	}
	return hours.Round(3)
}

// CoveredClassIDs walks items chronologically and returns the classes whose
// cumulative hours fit inside paidHours; those classes carry the
// paid-by-guardian flag.
func CoveredClassIDs(items []LineItem, paidHours decimal.Decimal) []int64 {
	ordered := make([]LineItem, len(items))
	copy(ordered, items)
	sortItemsChronologically(ordered)

	epsilon := decimal.NewFromFloat(0.001)
	covered := make([]int64, 0, len(ordered))
	cumulative := decimal.Zero
	for _, item := range ordered {
		if item.ClassID == nil {
			continue
		}
		cumulative = cumulative.Add(item.Hours())
		if cumulative.GreaterThan(paidHours.Add(epsilon)) {
			break
		}
		covered = append(covered, int64(*item.ClassID))
	}
	return covered
}

func sortItemsChronologically(items []LineItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			if items[j].Date.Before(items[j-1].Date) ||
				(items[j].Date.Equal(items[j-1].Date) && items[j].CreatedAt.Before(items[j-1].CreatedAt)) {
				items[j], items[j-1] = items[j-1], items[j]
				continue
			}
			break
		}
	}
}
