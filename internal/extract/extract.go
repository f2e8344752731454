// Package extract reads the structured results an analysis script leaves in
// its output directory.
package extract

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// SummaryFile is the well-known file name scripts write their summary to.
const SummaryFile = "summary.json"

// MaxSummarySize caps how much of summary.json is read.
const MaxSummarySize = 10 << 20

var (
	ErrSummaryMissing = errors.New("summary file not found")
	ErrSummaryInvalid = errors.New("invalid summary file")
	ErrSummaryTooBig  = errors.New("summary file exceeds size limit")
)

// Extract reads <dir>/summary.json and decodes it into a map. The file must
// hold a single JSON object.
func Extract(dir string) (map[string]any, error) {
	f, err := os.Open(filepath.Join(dir, SummaryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSummaryMissing
	}
	if err != nil {
		return nil, fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxSummarySize+1))
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	if len(data) > MaxSummarySize {
		return nil, joberr.New(joberr.KindResultParse, ErrSummaryTooBig)
	}

	summary, err := models.DecodeSummary(data)
	if err != nil {
		return nil, joberr.New(joberr.KindResultParse, fmt.Errorf("%w: %v", ErrSummaryInvalid, err))
	}
	return summary, nil
}

// ExtractOr returns the summary in dir, or a copy of fallback when the
// summary is missing or unreadable. It never fails.
func ExtractOr(dir string, fallback map[string]any) map[string]any {
	summary, err := Extract(dir)
	if err == nil {
		return summary
	}
	if !errors.Is(err, ErrSummaryMissing) {
		slog.Warn("summary unreadable, using fallback", "dir", dir, "error_kind", joberr.KindOf(err), "error", err)
	}
	out := make(map[string]any, len(fallback))
	for k, v := range fallback {
		out[k] = v
	}
	return out
}

// OutputFile describes one file produced by a job.
type OutputFile struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListOutputs returns the regular files under dir, relative to dir and sorted by name.
func ListOutputs(dir string) ([]OutputFile, error) {
	var files []OutputFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, OutputFile{
			Name:       filepath.ToSlash(rel),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
