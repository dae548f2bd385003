package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// SessionArchiveStore is the slice of domain.SessionStore the archiver reads.
type SessionArchiveStore interface {
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]domain.Session, error)
}

// TradeArchiveStore is the slice of domain.TradeStore the archiver reads.
type TradeArchiveStore interface {
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]domain.Trade, error)
}

// Archiver implements domain.Archiver. Each call exports one UTC day to
// archive/<kind>/YYYY/MM/DD.jsonl. Rows stay in PostgreSQL; an object that
// already exists is left alone so reruns are no-ops.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	sessions SessionArchiveStore
	trades   TradeArchiveStore
	activity domain.ActivityStore
	now      func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	sessions SessionArchiveStore,
	trades TradeArchiveStore,
	activity domain.ActivityStore,
) *Archiver {
	return &Archiver{
		writer:   writer,
		reader:   reader,
		sessions: sessions,
		trades:   trades,
		activity: activity,
		now:      time.Now,
	}
}

// ArchiveSessions exports the completed sessions that ended on day.
func (a *Archiver) ArchiveSessions(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	return archiveDay(ctx, a, "sessions", from, func() ([]domain.Session, error) {
		return a.sessions.ListCompletedBetween(ctx, from, to)
	})
}

// ArchiveTrades exports the trades settled on day.
func (a *Archiver) ArchiveTrades(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	return archiveDay(ctx, a, "trades", from, func() ([]domain.Trade, error) {
		return a.trades.ListSettledBetween(ctx, from, to)
	})
}

func archiveDay[T any](ctx context.Context, a *Archiver, kind string, day time.Time, load func() ([]T, error)) (int64, error) {
	path := archivePath(kind, day)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	records, err := load()
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.activity.Log(ctx, domain.AdminActivity{
		AdminID:       string(domain.CreatedBySystem),
		AdminUsername: string(domain.CreatedBySystem),
		Action:        domain.ActionArchiveRun,
		Details: map[string]any{
			"kind":  kind,
			"path":  path,
			"count": count,
			"day":   day.Format(time.DateOnly),
		},
		CreatedAt: a.now().UTC(),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s activity log: %w", kind, err)
	}
	return count, nil
}

// dayBounds returns the UTC midnight that starts day and the next midnight.
func dayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// archivePath builds the object key for one day of one kind:
//
//	archive/sessions/2025/01/31.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format("2006/01/02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*Archiver)(nil)
