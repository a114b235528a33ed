// Package format renders money, hours and dates for a configured locale.
// Export snapshots and the PDF renderer share one Formatter so every surface
// shows identical strings.
package format

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

type Formatter struct {
	printer *message.Printer
	unit    currency.Unit
	loc     *time.Location
}

// New builds a formatter for the locale and ISO currency code. Unknown values
// fall back to en-US / USD / UTC rather than failing the export.
func New(locale, currencyCode, timezone string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		unit = currency.USD
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	return &Formatter{
		printer: message.NewPrinter(tag),
		unit:    unit,
		loc:     loc,
	}
}

// Money renders a 2dp amount with the currency symbol.
func (f *Formatter) Money(d decimal.Decimal) string {
	v, _ := d.Round(2).Float64()
	return f.printer.Sprint(currency.NarrowSymbol(f.unit.Amount(v)))
}

// Hours renders an hour quantity with at most 2 fractional digits.
func (f *Formatter) Hours(d decimal.Decimal) string {
	v, _ := d.Float64()
	return f.printer.Sprint(number.Decimal(v, number.MaxFractionDigits(2)))
}

// Date renders a calendar date in the configured timezone.
func (f *Formatter) Date(t time.Time) string {
	return t.In(f.loc).Format("Jan 2, 2006")
}

// DateTime renders a timestamp in the configured timezone.
func (f *Formatter) DateTime(t time.Time) string {
	return t.In(f.loc).Format("Jan 2, 2006 15:04")
}

// PeriodLabel renders a billing period. A month/year pair beats the explicit
// range; a missing range collapses to whichever bound exists.
func (f *Formatter) PeriodLabel(start, end *time.Time, month, year int) string {
	if year > 0 && month >= 1 && month <= 12 {
		return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, f.loc).Format("January 2006")
	}
	switch {
	case start != nil && end != nil:
		return f.Date(*start) + " - " + f.Date(*end)
	case start != nil:
		return "from " + f.Date(*start)
	case end != nil:
		return "through " + f.Date(*end)
	default:
		return ""
	}
}
