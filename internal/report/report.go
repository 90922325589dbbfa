// Package report pushes process snapshots to a REST collector.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"resty.dev/v3"

	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
	"github.com/slimrmm/slimrmm-procmon/pkg/version"
)

const (
	requestTimeout = 15 * time.Second
	processesRoute = "/hosts/{host}/processes"
)

// ErrRejected is returned when the collector answers with a non-2xx status.
var ErrRejected = errors.New("report rejected")

// Payload is the body of one snapshot report.
type Payload struct {
	Host       string           `json:"host" validate:"required"`
	SnapshotID string           `json:"snapshot_id" validate:"required,uuid"`
	CapturedAt string           `json:"captured_at" validate:"required"`
	Processes  []process.Record `json:"processes" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Reporter uploads snapshots for one host.
type Reporter struct {
	client    *resty.Client
	snapshots *process.SnapshotService
	host      string
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a reporter targeting baseURL.
func New(baseURL, host string, snapshots *process.SnapshotService, interval time.Duration, logger *slog.Logger) *Reporter {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(requestTimeout)
	client.SetHeader("User-Agent", version.UserAgent())

	return &Reporter{
		client:    client,
		snapshots: snapshots,
		host:      host,
		interval:  interval,
		logger:    logger,
	}
}

// Push uploads snap as a new snapshot and returns its id.
func (r *Reporter) Push(ctx context.Context, snap process.Snapshot) (string, error) {
	if snap == nil {
		snap = process.Snapshot{}
	}

	body := Payload{
		Host:       r.host,
		SnapshotID: uuid.NewString(),
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
		Processes:  snap,
	}
	if err := validate.Struct(&body); err != nil {
		return "", fmt.Errorf("invalid report: %w", err)
	}

	res, err := r.client.R().
		SetContext(ctx).
		SetPathParam("host", r.host).
		SetBody(&body).
		Put(processesRoute)
	if err != nil {
		return "", fmt.Errorf("sending report: %w", err)
	}

	if res.IsError() {
		return "", fmt.Errorf("%w: %s", ErrRejected, res.Status())
	}

	r.logger.Debug("snapshot reported", "snapshot_id", body.SnapshotID, "count", len(snap))
	return body.SnapshotID, nil
}

// Run schedules a refresh every interval and pushes each result. Failures
// are logged and never retried within a tick.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	results := make(chan process.Snapshot, 1)

	schedule := func() {
		r.snapshots.ListAsyncContext(ctx,
			func(records []process.Record) {
				select {
				case results <- records:
				default:
					r.logger.Warn("previous snapshot still uploading, dropping")
				}
			},
			func(msg string) {
				r.logger.Warn("snapshot for report failed", "error", msg)
			},
		)
	}

	schedule()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			schedule()
		case snap := <-results:
			if _, err := r.Push(ctx, snap); err != nil {
				r.logger.Error("reporting snapshot", "host", r.host, "error", err)
			}
		}
	}
}

// Close releases the HTTP client.
func (r *Reporter) Close() error {
	return r.client.Close()
}
