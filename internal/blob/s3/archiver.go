package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantegy/exitd/internal/domain"
)

// archiveBatch bounds how many audit entries are pulled per archival pass so
// a long-retained table cannot be loaded into memory at once.
const archiveBatch = 10_000

// Archiver drains audit entries older than the retention window to object
// storage as JSONL and deletes them from the primary store afterwards, so
// the audit table stays bounded while history remains queryable offline.
type Archiver struct {
	writer    domain.BlobWriter
	audit     domain.AuditStore
	retention time.Duration
	interval  time.Duration
	prefix    string
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. retention is how long entries stay in the
// primary store; interval is how often the archival pass runs.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, retention, interval time.Duration, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	return &Archiver{
		writer:    writer,
		audit:     audit,
		retention: retention,
		interval:  interval,
		prefix:    prefix,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes an archival pass on the configured interval until ctx is
// cancelled. A failed pass is logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
			}
		}
	}
}

// ArchiveOnce uploads all audit entries older than the retention cutoff and
// deletes them once the upload succeeded. It returns the number of entries
// archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.retention)

	// Upload every batch first; deletion only happens once all objects
	// landed, so a crash mid-pass duplicates entries in storage rather than
	// losing them.
	uploaded := 0
	for offset := 0; ; offset += archiveBatch {
		entries, err := a.audit.List(ctx, domain.ListOpts{
			Until:  &cutoff,
			Limit:  archiveBatch,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		buf, err := marshalJSONL(entries)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		key := a.archiveKey(cutoff, entries[len(entries)-1].ID)
		if err := a.writer.Write(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive upload: %w", err)
		}
		uploaded += len(entries)

		if len(entries) < archiveBatch {
			break
		}
	}
	if uploaded == 0 {
		return 0, nil
	}

	deleted, err := a.audit.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}

	if err := a.audit.Log(ctx, "audit_archived", map[string]any{
		"count":  deleted,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return deleted, nil
}

// archiveKey builds the object key, partitioned by the cutoff's year-month
// and suffixed with the last entry ID so successive passes never collide.
//
//	audit/2026-08/42137.jsonl
func (a *Archiver) archiveKey(cutoff time.Time, lastID int64) string {
	return fmt.Sprintf("%s/%s/%d.jsonl", a.prefix, cutoff.Format("2006-01"), lastID)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
