// Package feed fetches pages of energy-production records from the upstream
// open-data API.
package feed

import (
	"context"
	"errors"

	"gridmix/internal/domain"
)

// Feed errors. Callers match them with errors.Is.
var (
	// ErrFeedUnavailable is returned on transport failure or a non-2xx response.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrFeedSchema is returned when the payload is missing expected fields.
	// It usually means the upstream contract changed.
	ErrFeedSchema = errors.New("feed schema error")
)

// Source provides one page of raw records.
type Source interface {
	// FetchPage returns the current page, ordered newest-first as served.
	FetchPage(ctx context.Context) ([]domain.RawRecord, error)
}
