package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/futarchia/marketd/internal/domain"
)

// FillArchiveStore provides read access to settled fills for archival. The
// archiver only needs this one query, not the full order store.
type FillArchiveStore interface {
	// ListSettledFills returns fills with a settlement transaction hash
	// created strictly before the cutoff.
	ListSettledFills(ctx context.Context, before time.Time) ([]domain.FillRecord, error)
}

// FillArchiver implements domain.Archiver by exporting settled fills to
// JSONL objects in the bucket.
//
// Deletion of the archived rows from the primary store is deliberately not
// performed here; that is a separate, explicit step once the archive has
// been verified.
type FillArchiver struct {
	writer  domain.BlobWriter
	lister  domain.BlobLister
	deleter domain.BlobDeleter
	fills   FillArchiveStore
	logger  *slog.Logger
}

// NewFillArchiver creates a FillArchiver. lister and deleter are used only
// for retention pruning; pass the same Reader for both.
func NewFillArchiver(writer domain.BlobWriter, lister domain.BlobLister, deleter domain.BlobDeleter, fills FillArchiveStore, logger *slog.Logger) *FillArchiver {
	return &FillArchiver{
		writer:  writer,
		lister:  lister,
		deleter: deleter,
		fills:   fills,
		logger:  logger.With("component", "archiver"),
	}
}

// Run exports settled fills on the given interval and prunes archive
// objects older than the retention window. It blocks until ctx is
// cancelled.
func (a *FillArchiver) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			n, err := a.ArchiveFills(ctx, now)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive fills failed", "error", err)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived settled fills", "count", n)
			}
			if retention > 0 {
				pruned, err := a.Prune(ctx, now.Add(-retention))
				if err != nil {
					a.logger.ErrorContext(ctx, "prune archives failed", "error", err)
				} else if pruned > 0 {
					a.logger.InfoContext(ctx, "pruned expired archives", "count", pruned)
				}
			}
		}
	}
}

// ArchiveFills serializes all settled fills before the cutoff to one JSONL
// object and uploads it. It returns the number of records archived; zero
// records uploads nothing.
func (a *FillArchiver) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.fills.ListSettledFills(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list settled fills: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("s3blob: encode fill %s: %w", rec.ID, err)
		}
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// Prune deletes archive objects last modified before the cutoff. It
// returns the number of objects removed.
func (a *FillArchiver) Prune(ctx context.Context, before time.Time) (int64, error) {
	infos, err := a.lister.List(ctx, archivePrefix)
	if err != nil {
		return 0, err
	}

	var pruned int64
	for _, info := range infos {
		if !info.LastModified.Before(before) {
			continue
		}
		if err := a.deleter.Delete(ctx, info.Path); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// archivePath builds a date-partitioned object key so archives are easy to
// locate and never collide.
const archivePrefix = "fills/"

func archivePath(cutoff time.Time) string {
	return fmt.Sprintf("%s%s/fills-%d.jsonl",
		archivePrefix, cutoff.UTC().Format("2006/01/02"), cutoff.UTC().Unix())
}

var _ domain.Archiver = (*FillArchiver)(nil)
