// Package archive persists published reports beyond the aggregation
// store's retention window. The store record stays the source of truth for
// live alerts; the archive serves the query API once the store footprint
// has expired.
package archive

import (
	"context"
	"errors"

	"github.com/argus-systems/argus/internal/models"
)

// ErrReportNotFound indicates no archived report for the requested key.
var ErrReportNotFound = errors.New("report not found")

// Archive stores and retrieves published reports.
type Archive interface {
	// SaveReport upserts the report by alert ID. Re-publishing the same
	// alert overwrites the same row.
	SaveReport(ctx context.Context, report *models.Report) error

	// GetReportByAlert returns the archived report for an alert, or
	// ErrReportNotFound.
	GetReportByAlert(ctx context.Context, alertID string) (*models.Report, error)

	// GetReportByID returns the archived report by report ID, or
	// ErrReportNotFound.
	GetReportByID(ctx context.Context, reportID string) (*models.Report, error)

	Close() error
}
