// Package spreadsheet writes job results as an XLSX workbook.
package spreadsheet

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/domain"
)

// SheetName is the name of the single worksheet in every artifact.
const SheetName = "Results"

// ArtifactName is the file name of the workbook inside a job directory.
const ArtifactName = "results.xlsx"

type column struct {
	header string
	value  func(domain.ResultRow) (any, bool)
}

func metric(p domain.Provider, name domain.MetricName) func(domain.ResultRow) (any, bool) {
	return func(r domain.ResultRow) (any, bool) {
		v, ok := r.Metric(p, name)
		if !ok {
			return nil, false
		}
		switch v.Kind {
		case domain.KindNumber:
			return v.Number, true
		default:
			return v.String(), true
		}
	}
}

var columns = []column{
	{"URL", func(r domain.ResultRow) (any, bool) { return r.Domain, true }},
	{"Status Code", func(r domain.ResultRow) (any, bool) {
		if r.Reachability.StatusCode == nil {
			return nil, false
		}
		return *r.Reachability.StatusCode, true
	}},
	{"HTTPS Availability", func(r domain.ResultRow) (any, bool) {
		if r.Reachability.HTTPS == nil {
			return nil, false
		}
		return domain.BoolValue(*r.Reachability.HTTPS).String(), true
	}},
	{"Majestic Topics", metric(domain.ProviderMajestic, domain.MetricTopics)},
	{"Ahrefs Domain Rating", metric(domain.ProviderAhrefs, domain.MetricDomainRating)},
	{"Ahrefs Referring Domains", metric(domain.ProviderAhrefs, domain.MetricReferringDomains)},
	{"Ahrefs Traffic", metric(domain.ProviderAhrefs, domain.MetricTraffic)},
	{"DataForSEO Rank", metric(domain.ProviderDataForSEO, domain.MetricRank)},
	{"DataForSEO Traffic", metric(domain.ProviderDataForSEO, domain.MetricTraffic)},
	{"DataForSEO Referring Domains", metric(domain.ProviderDataForSEO, domain.MetricReferringDomains)},
}

// Headers returns the fixed column headers in output order.
func Headers() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

// Writer stores artifacts under <dataDir>/jobs/<job-id>/.
type Writer struct {
	dataDir string
	log     *zap.SugaredLogger
}

// NewWriter creates a writer rooted at dataDir.
func NewWriter(dataDir string, log *zap.SugaredLogger) *Writer {
	return &Writer{dataDir: dataDir, log: log}
}

// Path returns where the artifact of jobID lives.
func (w *Writer) Path(jobID string) string {
	return filepath.Join(w.dataDir, "jobs", jobID, ArtifactName)
}

// Write serializes rows in submitted order and returns the artifact path.
// An empty row set returns domain.ErrNoRows; storage problems are marked
// with domain.ErrIOFailure.
func (w *Writer) Write(ctx context.Context, jobID string, rows []domain.ResultRow) (string, error) {
	if len(rows) == 0 {
		return "", domain.ErrNoRows
	}
	sorted := append([]domain.ResultRow(nil), rows...)
	domain.SortRows(sorted)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return "", errors.Wrap(err, "name sheet")
	}

	for i, c := range columns {
		if err := setCell(f, i+1, 1, c.header); err != nil {
			return "", err
		}
	}
	for r, row := range sorted {
		for i, c := range columns {
			v, ok := c.value(row)
			if !ok {
				continue
			}
			if err := setCell(f, i+1, r+2, v); err != nil {
				return "", err
			}
		}
	}

	path := w.Path(jobID)
	if err := w.save(f, path); err != nil {
		return "", errors.Mark(err, domain.ErrIOFailure)
	}
	w.log.Infow("artifact written", "job", jobID, "rows", len(sorted), "path", path)
	return path, nil
}

func setCell(f *excelize.File, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return errors.Wrapf(err, "cell %d,%d", col, row)
	}
	return errors.Wrapf(f.SetCellValue(SheetName, cell, v), "set %s", cell)
}

// save writes to a temp file in the target directory and renames it so a
// reader never sees a half-written workbook.
func (w *Writer) save(f *excelize.File, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".results-*.xlsx")
	if err != nil {
		return errors.Wrap(err, "create temp artifact")
	}
	defer os.Remove(tmp.Name())

	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write workbook")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp artifact")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename to %s", path)
	}
	return nil
}

// Remove deletes the job directory with its artifact.
func (w *Writer) Remove(ctx context.Context, jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID {
		return errors.Newf("invalid job id %q", jobID)
	}
	dir := filepath.Join(w.dataDir, "jobs", jobID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Mark(errors.Wrapf(err, "remove %s", dir), domain.ErrIOFailure)
	}
	w.log.Debugw("artifact removed", "job", jobID, "dir", dir)
	return nil
}

// FormatStatus is used by the CLI summary to render a status code cell.
func FormatStatus(r domain.ResultRow) string {
	if r.Reachability.StatusCode == nil {
		return ""
	}
	return strconv.Itoa(*r.Reachability.StatusCode)
}
