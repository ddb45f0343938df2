package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	archivePageSize  = 1000
)

// AuditArchiver implements domain.Archiver. Rows older than the cutoff are
// written to one JSONL object and then removed from the audit store; nothing
// is deleted if the upload fails.
type AuditArchiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	now    func() time.Time
}

// NewAuditArchiver creates an AuditArchiver.
func NewAuditArchiver(writer domain.BlobWriter, audit domain.AuditStore) *AuditArchiver {
	return &AuditArchiver{writer: writer, audit: audit, now: time.Now}
}

// ArchiveAudit uploads every audit row created before the cutoff to
// archive/audit/YYYY-MM/<run>.jsonl, deletes them and returns the count.
func (a *AuditArchiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var rows []domain.AuditEntry
	for offset := 0; ; offset += archivePageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{Until: &before, Limit: archivePageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		for _, e := range page {
			if e.CreatedAt.Before(before) {
				rows = append(rows, e)
			}
		}
		if len(page) < archivePageSize {
			break
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before, a.now())
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit prune: %w", err)
	}

	count := int64(len(rows))
	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's year-month; the run
// timestamp keeps repeated runs in one month from overwriting each other.
//
//	archive/audit/2026-07/20260801T000000Z.jsonl
func archivePath(kind string, before, run time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.UTC().Format("2006-01"), run.UTC().Format("20060102T150405Z"))
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

var _ domain.Archiver = (*AuditArchiver)(nil)
