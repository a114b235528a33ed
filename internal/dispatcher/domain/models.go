// Package domain defines the reactive class-change dispatcher contract.
package domain

import (
	"context"

	lessondomain "github.com/lessonbill/lessonbill/internal/lesson/domain"
)

// Previous is the projection of the class state before the change.
type Previous struct {
	Status             lessondomain.ClassStatus
	DurationMinutes    int
	SkipHourAdjustment bool
}

// Change carries one class lifecycle event into the dispatcher.
type Change struct {
	Class    *lessondomain.Class
	Previous Previous
	Deleted  bool
}

// Dispatcher propagates lesson-level edits to ledgers and invoices.
type Dispatcher interface {
	HandleClassChange(ctx context.Context, change Change) error
}
