// Package snapshot persists harvest results so that a destination file is
// either absent, the previous complete version, or the new complete version.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Writer writes files through a temporary sibling and an atomic rename.
type Writer struct {
	perm os.FileMode
	// beforeCommit runs after the temp file is synced and closed, just
	// before the rename. Tests use it to simulate interruption.
	beforeCommit func(tmpPath string) error
}

// NewWriter creates a Writer producing files with mode 0644.
func NewWriter() *Writer {
	return &Writer{perm: 0o644}
}

func tempPattern(dest string) string {
	return "." + filepath.Base(dest) + ".tmp-*"
}

// WriteFile streams write's output to dest atomically. On any failure the
// temporary file is removed and dest is left as it was.
func (w *Writer) WriteFile(ctx context.Context, dest string, write func(io.Writer) error) error {
	b := w.NewBatch()
	defer b.Discard()
	if err := b.Add(ctx, dest, write); err != nil {
		return err
	}
	return b.Commit(ctx)
}

// stage writes to a synced temporary sibling of dest and returns its path.
func (w *Writer) stage(ctx context.Context, dest string, write func(io.Writer) error) (string, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "snapshot: create %s", dir)
	}
	if fi, err := os.Lstat(dest); err == nil && !fi.Mode().IsRegular() {
		return "", eris.Errorf("snapshot: %s exists and is not a regular file", dest)
	}

	tmp, err := os.CreateTemp(dir, tempPattern(dest))
	if err != nil {
		return "", eris.Wrapf(err, "snapshot: create temp for %s", dest)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "snapshot: canceled")
	}

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		return "", eris.Wrapf(err, "snapshot: write %s", dest)
	}
	if err := bw.Flush(); err != nil {
		return "", eris.Wrapf(err, "snapshot: flush %s", dest)
	}
	if err := tmp.Chmod(w.perm); err != nil {
		return "", eris.Wrapf(err, "snapshot: chmod %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		return "", eris.Wrapf(err, "snapshot: sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrapf(err, "snapshot: close %s", tmpPath)
	}
	ok = true
	return tmpPath, nil
}

type staged struct {
	dest, tmp, prev string
	backedUp        bool
	renamed         bool
}

// Batch publishes several files together: either every destination holds
// its new content or every destination is left as it was.
type Batch struct {
	w       *Writer
	entries []*staged
}

// NewBatch starts an empty Batch.
func (w *Writer) NewBatch() *Batch {
	return &Batch{w: w}
}

// Add stages write's output for dest. Nothing is visible until Commit.
func (b *Batch) Add(ctx context.Context, dest string, write func(io.Writer) error) error {
	tmp, err := b.w.stage(ctx, dest, write)
	if err != nil {
		return err
	}
	b.entries = append(b.entries, &staged{
		dest: dest,
		tmp:  tmp,
		prev: filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".prev"),
	})
	return nil
}

// Commit renames every staged file into place. If any rename fails, the
// destinations already replaced are restored before the error is returned.
func (b *Batch) Commit(ctx context.Context) error {
	for _, e := range b.entries {
		if err := b.commitOne(ctx, e); err != nil {
			b.rollback()
			return err
		}
	}

	dirs := make(map[string]struct{}, len(b.entries))
	for _, e := range b.entries {
		if e.backedUp {
			_ = os.Remove(e.prev)
		}
		dirs[filepath.Dir(e.dest)] = struct{}{}
	}
	for dir := range dirs {
		syncDir(dir)
	}
	for _, e := range b.entries {
		b.w.removeStale(e.dest)
	}
	b.entries = nil
	return nil
}

func (b *Batch) commitOne(ctx context.Context, e *staged) error {
	if b.w.beforeCommit != nil {
		if err := b.w.beforeCommit(e.tmp); err != nil {
			return eris.Wrapf(err, "snapshot: commit %s", e.dest)
		}
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "snapshot: canceled before commit")
	}
	if _, err := os.Lstat(e.dest); err == nil {
		if err := os.Rename(e.dest, e.prev); err != nil {
			return eris.Wrapf(err, "snapshot: keep previous %s", e.dest)
		}
		e.backedUp = true
	}
	if err := os.Rename(e.tmp, e.dest); err != nil {
		return eris.Wrapf(err, "snapshot: rename to %s", e.dest)
	}
	e.renamed = true
	return nil
}

func (b *Batch) rollback() {
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.renamed {
			_ = os.Remove(e.dest)
			e.renamed = false
		}
		if e.backedUp {
			if err := os.Rename(e.prev, e.dest); err != nil {
				zap.L().Error("snapshot: restore previous failed", zap.String("path", e.dest), zap.Error(err))
			}
			e.backedUp = false
		}
	}
}

// Discard removes staged temporaries that were never committed. It is safe
// to call after Commit.
func (b *Batch) Discard() {
	for _, e := range b.entries {
		if !e.renamed {
			_ = os.Remove(e.tmp)
		}
	}
	b.entries = nil
}

// removeStale deletes temp files left behind by interrupted earlier writes
// of dest.
func (w *Writer) removeStale(dest string) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(dest), tempPattern(dest)))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			zap.L().Debug("removed stale temp file", zap.String("path", m))
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ParquetRows encodes rows as a zstd-compressed parquet stream.
func ParquetRows[T any](rows []T) func(io.Writer) error {
	return func(out io.Writer) error {
		pw := parquet.NewGenericWriter[T](out, parquet.Compression(&parquet.Zstd))
		if _, err := pw.Write(rows); err != nil {
			return eris.Wrap(err, "parquet: write rows")
		}
		return eris.Wrap(pw.Close(), "parquet: close")
	}
}

// JSONLines encodes one JSON document per row.
func JSONLines[T any](rows []T) func(io.Writer) error {
	return func(out io.Writer) error {
		enc := json.NewEncoder(out)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return eris.Wrap(err, "jsonl: encode")
			}
		}
		return nil
	}
}

// WriteParquet writes rows as a zstd-compressed parquet file at dest.
func WriteParquet[T any](ctx context.Context, w *Writer, dest string, rows []T) error {
	return w.WriteFile(ctx, dest, ParquetRows(rows))
}

// WriteJSONLines writes one JSON document per row at dest.
func WriteJSONLines[T any](ctx context.Context, w *Writer, dest string, rows []T) error {
	return w.WriteFile(ctx, dest, JSONLines(rows))
}
