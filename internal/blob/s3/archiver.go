package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dexquant/tradebot/internal/domain"
)

// Archiver implements domain.SnapshotSink by serializing risk state to JSON
// and uploading it to object storage. Archives live outside the hot path and
// outlive the retention window of the primary store.
//
// Key layout:
//
//	risk_state/2026-08/20260825T143000Z.json
//	executions/2026-08.jsonl
type Archiver struct {
	writer *Writer
	reader *Reader
}

// NewArchiver creates an Archiver over the given client's bucket.
func NewArchiver(c *Client) *Archiver {
	return &Archiver{
		writer: NewWriter(c),
		reader: NewReader(c),
	}
}

// ArchiveState uploads one risk state snapshot, keyed by its timestamp.
func (a *Archiver) ArchiveState(ctx context.Context, snap domain.RiskStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3blob: marshal risk state: %w", err)
	}

	path := statePath(snap.Timestamp)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive risk state: %w", err)
	}
	return nil
}

// LatestState returns the newest archived snapshot, for recovery when the
// primary store has no history. It returns domain.ErrNotFound when the
// bucket holds no snapshots.
func (a *Archiver) LatestState(ctx context.Context) (domain.RiskStateSnapshot, error) {
	infos, err := a.reader.List(ctx, "risk_state/")
	if err != nil {
		return domain.RiskStateSnapshot{}, err
	}
	if len(infos) == 0 {
		return domain.RiskStateSnapshot{}, domain.ErrNotFound
	}

	// Keys embed the snapshot timestamp, so lexicographic order is
	// chronological order.
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })

	body, err := a.reader.Get(ctx, infos[0].Path)
	if err != nil {
		return domain.RiskStateSnapshot{}, err
	}
	defer body.Close()

	var snap domain.RiskStateSnapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.RiskStateSnapshot{}, fmt.Errorf("s3blob: decode risk state %s: %w", infos[0].Path, err)
	}
	return snap, nil
}

// ExportExecutions uploads execution reports as newline-delimited JSON,
// partitioned by the year-month of the cutoff. Large exports go through the
// multipart uploader.
func (a *Archiver) ExportExecutions(ctx context.Context, reports []domain.ExecutionReport, before time.Time) (int64, error) {
	if len(reports) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(reports)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export executions marshal: %w", err)
	}

	path := fmt.Sprintf("executions/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: export executions upload: %w", err)
	}
	return int64(len(reports)), nil
}

func statePath(ts time.Time) string {
	return fmt.Sprintf("risk_state/%s/%s.json",
		ts.UTC().Format("2006-01"), ts.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
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

// Compile-time interface check.
var _ domain.SnapshotSink = (*Archiver)(nil)
