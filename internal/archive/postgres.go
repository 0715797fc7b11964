package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-systems/argus/internal/models"
)

// PostgresArchive implements Archive using PostgreSQL.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a new PostgreSQL archive.
func NewPostgresArchive(ctx context.Context, connString string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresArchive{pool: pool}, nil
}

// SaveReport upserts the report by alert ID.
func (a *PostgresArchive) SaveReport(ctx context.Context, report *models.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", report.ReportID, err)
	}

	query := `
		INSERT INTO reports (alert_id, report_id, severity, published_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (alert_id) DO UPDATE SET
			report_id = EXCLUDED.report_id,
			severity = EXCLUDED.severity,
			published_at = EXCLUDED.published_at,
			body = EXCLUDED.body
	`

	severity := ""
	if report.Result != nil {
		severity = string(report.Result.Severity)
	}

	_, err = a.pool.Exec(ctx, query,
		report.AlertID, report.ReportID, severity, report.PublishedAt, body,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReportByAlert returns the archived report for an alert.
func (a *PostgresArchive) GetReportByAlert(ctx context.Context, alertID string) (*models.Report, error) {
	return a.getReport(ctx, `SELECT body FROM reports WHERE alert_id = $1`, alertID)
}

// GetReportByID returns the archived report by report ID.
func (a *PostgresArchive) GetReportByID(ctx context.Context, reportID string) (*models.Report, error) {
	return a.getReport(ctx, `SELECT body FROM reports WHERE report_id = $1`, reportID)
}

func (a *PostgresArchive) getReport(ctx context.Context, query, arg string) (*models.Report, error) {
	var body []byte
	err := a.pool.QueryRow(ctx, query, arg).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	var report models.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode archived report: %w", err)
	}
	return &report, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() error {
	a.pool.Close()
	return nil
}
