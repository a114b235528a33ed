// Package export builds the deterministic, locale-aware snapshot a document
// renderer consumes. Everything is pre-formatted strings so two renders of the
// same aggregate are byte-identical regardless of renderer.
package export

import (
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/lessonbill/lessonbill/internal/invoice/domain"
	"github.com/lessonbill/lessonbill/internal/invoice/format"
	"github.com/shopspring/decimal"
)

// Header is the invoice identity block.
type Header struct {
	InvoiceNumber string `json:"invoice_number"`
	InvoiceName   string `json:"invoice_name"`
	Status        string `json:"status"`
	DueDate       string `json:"due_date,omitempty"`
	PeriodLabel   string `json:"period_label,omitempty"`
}

// Party identifies the billed guardian as frozen on the invoice.
type Party struct {
	Name            string `json:"name"`
	PreferredMethod string `json:"preferred_payment_method,omitempty"`
}

// Summary carries the item counts shown above the table.
type Summary struct {
	ItemCount     int    `json:"item_count"`
	AttendedCount int    `json:"attended_count"`
	TotalHours    string `json:"total_hours"`
	PaidHours     string `json:"paid_hours"`
}

// FinancialRow is one line of the money block. Flags carry qualifiers such as
// the fee mode or a coverage waiver.
type FinancialRow struct {
	Label string   `json:"label"`
	Value string   `json:"value"`
	Flags []string `json:"flags,omitempty"`
}

// ItemRow is one rendered line item.
type ItemRow struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Student     string `json:"student"`
	Teacher     string `json:"teacher"`
	Hours       string `json:"hours"`
	Rate        string `json:"rate"`
	Amount      string `json:"amount"`
	Attended    bool   `json:"attended"`
}

// PartyTotal aggregates hours and money per student or teacher.
type PartyTotal struct {
	Name   string `json:"name"`
	Hours  string `json:"hours"`
	Amount string `json:"amount"`
}

// PaymentRow is one money movement from the payment log.
type PaymentRow struct {
	ProcessedAt string `json:"processed_at"`
	Method      string `json:"method"`
	Amount      string `json:"amount"`
	Hours       string `json:"hours,omitempty"`
	Note        string `json:"note,omitempty"`
	Refund      bool   `json:"refund"`
}

// DeliveryRow is one send attempt.
type DeliveryRow struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
	SentAt  string `json:"sent_at,omitempty"`
}

// PreviousSummary is the optional one-line recap of the prior invoice.
type PreviousSummary struct {
	InvoiceNumber string `json:"invoice_number"`
	Status        string `json:"status"`
	Total         string `json:"total"`
	PaidAmount    string `json:"paid_amount"`
}

// Snapshot is the complete renderable document.
type Snapshot struct {
	Header        Header           `json:"header"`
	Guardian      Party            `json:"guardian"`
	Summary       Summary          `json:"summary"`
	Financial     []FinancialRow   `json:"financial"`
	Items         []ItemRow        `json:"items"`
	StudentTotals []PartyTotal     `json:"student_totals"`
	TeacherTotals []PartyTotal     `json:"teacher_totals"`
	Payments      []PaymentRow     `json:"payments"`
	Deliveries    []DeliveryRow    `json:"deliveries"`
	Notes         string           `json:"notes,omitempty"`
	Previous      *PreviousSummary `json:"previous,omitempty"`
}

// Build assembles the snapshot. Previous may be nil; guardianName comes from
// the caller because the frozen invoice snapshot carries only financials.
func Build(agg *domain.Aggregate, guardianName string, deliveries []domain.DeliveryEntry, previous *domain.Invoice, f *format.Formatter) Snapshot {
	inv := agg.Invoice

	snap := Snapshot{
		Header: Header{
			InvoiceNumber: inv.InvoiceNumber,
			InvoiceName:   inv.InvoiceName,
			Status:        string(inv.Status),
			PeriodLabel:   f.PeriodLabel(inv.PeriodStart, inv.PeriodEnd, inv.Month, inv.Year),
		},
		Guardian: Party{
			Name:            guardianName,
			PreferredMethod: inv.Snapshot.PreferredMethod,
		},
		Notes: inv.Note,
	}
	if inv.DueAt != nil {
		snap.Header.DueDate = f.Date(*inv.DueAt)
	}

	snap.Summary = buildSummary(agg, f)
	snap.Financial = buildFinancial(inv, f)
	snap.Items = buildItems(agg.Items, f)
	snap.StudentTotals = partyTotals(agg.Items, f, studentKey)
	snap.TeacherTotals = partyTotals(agg.Items, f, teacherKey)
	snap.Payments = buildPayments(agg.Logs, f)
	snap.Deliveries = buildDeliveries(deliveries, f)

	if previous != nil {
		snap.Previous = &PreviousSummary{
			InvoiceNumber: previous.InvoiceNumber,
			Status:        string(previous.Status),
			Total:         f.Money(previous.Total),
			PaidAmount:    f.Money(previous.PaidAmount),
		}
	}
	return snap
}

func buildSummary(agg *domain.Aggregate, f *format.Formatter) Summary {
	attended := 0
	for _, item := range agg.Items {
		if item.Attended {
			attended++
		}
	}
	return Summary{
		ItemCount:     len(agg.Items),
		AttendedCount: attended,
		TotalHours:    f.Hours(domain.TotalItemHours(agg.Items)),
		PaidHours:     f.Hours(domain.SumPositivePaymentHours(agg.Logs)),
	}
}

func buildFinancial(inv domain.Invoice, f *format.Formatter) []FinancialRow {
	rows := []FinancialRow{
		{Label: "Subtotal", Value: f.Money(inv.Subtotal)},
	}

	feeFlags := []string{string(inv.Snapshot.TransferFeeMode)}
	if inv.Snapshot.TransferFeeWaived {
		feeFlags = append(feeFlags, "waived")
	}
	if inv.Snapshot.WaivedByCoverage || inv.Coverage.WaiveTransferFee {
		feeFlags = append(feeFlags, "waived_by_coverage")
	}
	rows = append(rows, FinancialRow{Label: "Transfer fee", Value: f.Money(inv.TransferFee()), Flags: feeFlags})

	if inv.Discount.IsPositive() {
		rows = append(rows, FinancialRow{Label: "Discount", Value: "-" + f.Money(inv.Discount)})
	}
	if inv.Tax.IsPositive() {
		rows = append(rows, FinancialRow{Label: "Tax", Value: f.Money(inv.Tax)})
	}
	if inv.LateFee.IsPositive() {
		rows = append(rows, FinancialRow{Label: "Late fee", Value: f.Money(inv.LateFee)})
	}
	if inv.Tip.IsPositive() {
		rows = append(rows, FinancialRow{Label: "Tip", Value: f.Money(inv.Tip)})
	}

	rows = append(rows,
		FinancialRow{Label: "Total", Value: f.Money(inv.Total)},
		FinancialRow{Label: "Adjusted total", Value: f.Money(inv.AdjustedTotal)},
		FinancialRow{Label: "Paid", Value: f.Money(inv.PaidAmount)},
		FinancialRow{Label: "Balance due", Value: f.Money(inv.RemainingBalance())},
	)
	return rows
}

func buildItems(items []domain.LineItem, f *format.Formatter) []ItemRow {
	sorted := make([]domain.LineItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rows := make([]ItemRow, 0, len(sorted))
	for _, item := range sorted {
		rows = append(rows, ItemRow{
			Date:        f.Date(item.Date),
			Description: item.Description,
			Student:     personName(item.StudentFirstName, item.StudentLastName),
			Teacher:     personName(item.TeacherFirstName, item.TeacherLastName),
			Hours:       f.Hours(item.Hours()),
			Rate:        f.Money(item.Rate),
			Amount:      f.Money(item.Amount),
			Attended:    item.Attended,
		})
	}
	return rows
}

type partyKeyFn func(item domain.LineItem) (snowflake.ID, string, bool)

func studentKey(item domain.LineItem) (snowflake.ID, string, bool) {
	if item.StudentID == nil {
		return 0, "", false
	}
	return *item.StudentID, personName(item.StudentFirstName, item.StudentLastName), true
}

func teacherKey(item domain.LineItem) (snowflake.ID, string, bool) {
	if item.TeacherID == nil {
		return 0, "", false
	}
	return *item.TeacherID, personName(item.TeacherFirstName, item.TeacherLastName), true
}

func partyTotals(items []domain.LineItem, f *format.Formatter, key partyKeyFn) []PartyTotal {
	type acc struct {
		name   string
		hours  decimal.Decimal
		amount decimal.Decimal
	}
	byID := map[snowflake.ID]*acc{}
	order := []snowflake.ID{}

	for _, item := range items {
		id, name, ok := key(item)
		if !ok {
			continue
		}
		entry, seen := byID[id]
		if !seen {
			entry = &acc{name: name}
			byID[id] = entry
			order = append(order, id)
		}
		entry.hours = entry.hours.Add(item.Hours())
		entry.amount = entry.amount.Add(item.Amount)
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := byID[order[i]], byID[order[j]]
		if a.name != b.name {
			return a.name < b.name
		}
		return order[i] < order[j]
	})

	totals := make([]PartyTotal, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		totals = append(totals, PartyTotal{
			Name:   entry.name,
			Hours:  f.Hours(entry.hours.Round(3)),
			Amount: f.Money(entry.amount.Round(2)),
		})
	}
	return totals
}

func buildPayments(logs []domain.PaymentLogEntry, f *format.Formatter) []PaymentRow {
	sorted := make([]domain.PaymentLogEntry, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ProcessedAt.Equal(sorted[j].ProcessedAt) {
			return sorted[i].ProcessedAt.Before(sorted[j].ProcessedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rows := make([]PaymentRow, 0, len(sorted))
	for _, entry := range sorted {
		row := PaymentRow{
			ProcessedAt: f.DateTime(entry.ProcessedAt),
			Method:      string(entry.Method),
			Amount:      f.Money(entry.Amount),
			Note:        entry.Note,
			Refund:      entry.Method == domain.MethodRefund,
		}
		if entry.PaidHours != nil {
			row.Hours = f.Hours(*entry.PaidHours)
		}
		rows = append(rows, row)
	}
	return rows
}

func buildDeliveries(deliveries []domain.DeliveryEntry, f *format.Formatter) []DeliveryRow {
	sorted := make([]domain.DeliveryEntry, len(deliveries))
	copy(sorted, deliveries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	rows := make([]DeliveryRow, 0, len(sorted))
	for _, entry := range sorted {
		row := DeliveryRow{
			Channel: entry.Channel,
			Status:  string(entry.Status),
			Attempt: entry.Attempt,
		}
		if entry.SentAt != nil {
			row.SentAt = f.DateTime(*entry.SentAt)
		}
		rows = append(rows, row)
	}
	return rows
}

func personName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
