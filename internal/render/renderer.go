// Package render turns export snapshots into PDF documents. The core never
// calls it directly; the transport layer hands it the snapshot built by the
// export package.
package render

import (
	"context"
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/lessonbill/lessonbill/internal/invoice/export"
	"go.uber.org/zap"
)

// Renderer produces an opaque document from an export snapshot.
type Renderer interface {
	Render(ctx context.Context, snap export.Snapshot) ([]byte, error)
}

type PDFRenderer struct {
	log *zap.Logger
}

func NewPDFRenderer(log *zap.Logger) *PDFRenderer {
	return &PDFRenderer{log: log.Named("render.pdf")}
}

func (r *PDFRenderer) Render(ctx context.Context, snap export.Snapshot) ([]byte, error) {
	_ = ctx

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Invoice "+snap.Header.InvoiceNumber, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New(snap.Header.InvoiceName, props.Text{Top: 0}),
			text.New("Status: "+snap.Header.Status, props.Text{Top: 4}),
			text.New("Due: "+snap.Header.DueDate, props.Text{Top: 8}),
			text.New("Period: "+snap.Header.PeriodLabel, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(snap.Guardian.Name, props.Text{Top: 5}),
			text.New(snap.Guardian.PreferredMethod, props.Text{Top: 9}),
		),
	)

	m.AddRow(8,
		text.NewCol(12, fmt.Sprintf("%d lessons, %d attended, %s hours (%s paid)",
			snap.Summary.ItemCount,
			snap.Summary.AttendedCount,
			snap.Summary.TotalHours,
			snap.Summary.PaidHours,
		), props.Text{Size: 9}),
	)

	m.AddRow(8,
		text.NewCol(4, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Hours", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, item := range snap.Items {
		description := item.Description
		if item.Student != "" {
			description = description + " (" + item.Student + ")"
		}
		m.AddRow(8,
			text.NewCol(4, item.Date, props.Text{Size: 9}),
			text.NewCol(4, description, props.Text{Size: 9}),
			text.NewCol(2, item.Hours, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	for _, row := range snap.Financial {
		label := row.Label
		if len(row.Flags) > 0 {
			label = label + " (" + joinFlags(row.Flags) + ")"
		}
		m.AddRow(7,
			col.New(7),
			text.NewCol(3, label, props.Text{Size: 9}),
			text.NewCol(2, row.Value, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(snap.Payments) > 0 {
		m.AddRow(9, text.NewCol(12, "Payments", props.Text{Style: fontstyle.Bold, Size: 10, Top: 2}))
		for _, payment := range snap.Payments {
			m.AddRow(7,
				text.NewCol(4, payment.ProcessedAt, props.Text{Size: 9}),
				text.NewCol(4, payment.Method, props.Text{Size: 9}),
				text.NewCol(4, payment.Amount, props.Text{Size: 9, Align: align.Right}),
			)
		}
	}

	if snap.Notes != "" {
		m.AddRow(12, text.NewCol(12, "Notes: "+snap.Notes, props.Text{Size: 9, Top: 2}))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func joinFlags(flags []string) string {
	out := ""
	for i, flag := range flags {
		if i > 0 {
			out += ", "
		}
		out += flag
	}
	return out
}
