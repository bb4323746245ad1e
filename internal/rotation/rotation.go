// Package rotation ages the idempotency ledgers out of the hot database.
// Rows older than the configured retention are exported to gzip NDJSON
// archives and then soft-deleted, so the dedup tables stay small without
// losing the audit trail.
package rotation

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
)

// Result summarizes one rotation pass.
type Result struct {
	InboxArchived  int64 `json:"inbox_archived"`
	OutboxArchived int64 `json:"outbox_archived"`
}

// Rotator archives and trims the ledger tables.
type Rotator struct {
	db  *gorm.DB
	cfg config.RotationConfig
	log zerolog.Logger
}

// NewRotator builds a rotator over the ledger database.
func NewRotator(db *gorm.DB, cfg config.RotationConfig, log zerolog.Logger) *Rotator {
	return &Rotator{db: db, cfg: cfg, log: log}
}

// archivedInboxEvent is the NDJSON line written for one aged inbox event,
// carrying its process logs so the archive is self-contained.
type archivedInboxEvent struct {
	Event     domain.InboxEvent        `json:"event"`
	Processes []domain.EventProcessLog `json:"processes"`
}

// RotateOnce runs a single rotation pass: everything older than the
// retention window goes to the archive and is soft-deleted afterwards. A
// pass that archives nothing writes no file.
func (r *Rotator) RotateOnce(ctx context.Context) (Result, error) {
	var res Result
	if r.cfg.Retention <= 0 {
		return res, nil
	}
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)

	inbox, err := r.rotateInbox(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.InboxArchived = inbox

	outbox, err := r.rotateOutbox(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.OutboxArchived = outbox

	if res.InboxArchived > 0 || res.OutboxArchived > 0 {
		r.log.Info().
			Int64("inbox_archived", res.InboxArchived).
			Int64("outbox_archived", res.OutboxArchived).
			Time("cutoff", cutoff).
			Msg("ledger rotation completed")
	}
	return res, nil
}

func (r *Rotator) rotateInbox(ctx context.Context, cutoff time.Time) (int64, error) {
	var events []domain.InboxEvent
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return 0, errors.Wrap(err, "load aged inbox events")
	}
	if len(events) == 0 {
		return 0, nil
	}

	lines := make([]any, 0, len(events))
	ids := make([]uint, 0, len(events))
	for _, ev := range events {
		var logs []domain.EventProcessLog
		if err := r.db.WithContext(ctx).Where("event_id = ?", ev.ID).Find(&logs).Error; err != nil {
			return 0, errors.Wrap(err, "load process logs for archive")
		}
		lines = append(lines, archivedInboxEvent{Event: ev, Processes: logs})
		ids = append(ids, ev.ID)
	}

	if err := r.writeArchive("inbox_events", lines); err != nil {
		return 0, err
	}

	// Archive written, now trim. Logs first so the event rows never outlive
	// their children in the hot tables.
	if err := r.db.WithContext(ctx).Where("event_id IN ?", ids).Delete(&domain.EventProcessLog{}).Error; err != nil {
		return 0, errors.Wrap(err, "trim archived process logs")
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.InboxEvent{}).Error; err != nil {
		return 0, errors.Wrap(err, "trim archived inbox events")
	}
	return int64(len(events)), nil
}

func (r *Rotator) rotateOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	var events []domain.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return 0, errors.Wrap(err, "load aged outbox events")
	}
	if len(events) == 0 {
		return 0, nil
	}

	lines := make([]any, 0, len(events))
	ids := make([]uint, 0, len(events))
	for _, ev := range events {
		lines = append(lines, ev)
		ids = append(ids, ev.ID)
	}

	if err := r.writeArchive("outbox_events", lines); err != nil {
		return 0, err
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.OutboxEvent{}).Error; err != nil {
		return 0, errors.Wrap(err, "trim archived outbox events")
	}
	return int64(len(events)), nil
}

// writeArchive appends one gzip NDJSON file per table per day. Re-running a
// pass on the same day appends to the existing archive.
func (r *Rotator) writeArchive(table string, lines []any) error {
	dir := r.cfg.ArchiveDir
	if dir == "" {
		dir = "archives"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create archive directory")
	}

	name := fmt.Sprintf("%s_%s.ndjson.gz", table, time.Now().UTC().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open archive file")
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			zw.Close()
			return errors.Wrap(err, "encode archive line")
		}
	}
	return errors.Wrap(zw.Close(), "flush archive")
}

// Start runs rotation passes on a fixed interval until the context is
// canceled. Failures are logged and the loop keeps going.
func (r *Rotator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RotateOnce(ctx); err != nil {
					r.log.Error().Err(err).Msg("ledger rotation failed")
				}
			}
		}
	}()
}
