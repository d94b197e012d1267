// Package report reads the extractor's CSV output and normalises it into
// the shared payload types. Columns are resolved by header name against a
// synonym table, never by position, so minor extractor version differences
// in column naming don't break parsing.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/webwebb56/mdqc-agent/payload"
)

// column is a logical field the normaliser needs, with its accepted header
// name spellings.
type column struct {
	name     string
	synonyms []string
}

var (
	colPeptideSequence = column{"PeptideSequence", []string{"PeptideSequence", "Peptide Sequence", "Peptide"}}
	colPrecursorMz     = column{"PrecursorMz", []string{"PrecursorMz", "Precursor Mz", "Precursor m/z"}}
	colTotalArea       = column{"TotalArea", []string{"TotalArea", "Total Area"}}
	colMaxHeight       = column{"MaxHeight", []string{"MaxHeight", "Max Height"}}
	colRT              = column{"PeptideRetentionTime", []string{"PeptideRetentionTime", "Peptide Retention Time", "RT"}}
	colMassError       = column{"AverageMassErrorPPM", []string{"AverageMassErrorPPM", "Average Mass Error PPM"}}
	colFWHM            = column{"MaxFwhm", []string{"MaxFwhm", "Max Fwhm", "FWHM"}}

	requiredColumns = []column{colPeptideSequence, colPrecursorMz, colTotalArea, colMaxHeight, colRT, colMassError, colFWHM}
)

// SchemaMismatchError reports that the extractor's CSV is missing a
// required column.
type SchemaMismatchError struct {
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("extraction-error: schema-mismatch: missing columns %s", strings.Join(e.Missing, ", "))
}

// Options configures normalisation.
type Options struct {
	// TargetsExpected overrides the expected target count (e.g. from a
	// template-hash collaborator). Zero means infer from row count.
	TargetsExpected int
}

// NormaliseFile reads path (a CSV produced by the extractor) and returns
// the per-target metrics plus run-level aggregates.
func NormaliseFile(path string, opts Options) ([]payload.TargetMetric, payload.RunMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, payload.RunMetrics{}, fmt.Errorf("report: open %s: %w", path, err)
	}
	defer f.Close()
	return Normalise(f, opts)
}

// Normalise reads CSV data from r and returns the per-target metrics plus
// run-level aggregates.
func Normalise(r io.Reader, opts Options) ([]payload.TargetMetric, payload.RunMetrics, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, payload.RunMetrics{}, &SchemaMismatchError{Missing: columnNames(requiredColumns)}
		}
		return nil, payload.RunMetrics{}, fmt.Errorf("report: read header: %w", err)
	}

	idx, missing := resolveColumns(header, requiredColumns)
	if len(missing) > 0 {
		return nil, payload.RunMetrics{}, &SchemaMismatchError{Missing: missing}
	}

	var targets []payload.TargetMetric
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, payload.RunMetrics{}, fmt.Errorf("report: read row: %w", err)
		}

		target := payload.TargetMetric{
			PeptideSequence: row[idx[colPeptideSequence.name]],
			PrecursorMz:     parseFloat(row[idx[colPrecursorMz.name]]),
			TotalArea:       parseFloat(row[idx[colTotalArea.name]]),
			MaxHeight:       parseFloat(row[idx[colMaxHeight.name]]),
			ObservedRT:      parseFloat(row[idx[colRT.name]]),
			MassErrorPPM:    parseFloat(row[idx[colMassError.name]]),
			FWHM:            parseFloat(row[idx[colFWHM.name]]),
		}
		target.Found = target.TotalArea > 0 || target.MaxHeight > 0
		targets = append(targets, target)
	}

	metrics := aggregate(targets, opts)
	return targets, metrics, nil
}

func aggregate(targets []payload.TargetMetric, opts Options) payload.RunMetrics {
	expected := opts.TargetsExpected
	if expected <= 0 {
		expected = len(targets)
	}

	found := 0
	var rtShifts, massErrors []float64
	for _, t := range targets {
		if t.Found {
			found++
		}
		if !math.IsNaN(t.ObservedRT) {
			rtShifts = append(rtShifts, t.ObservedRT)
		}
		if !math.IsNaN(t.MassErrorPPM) {
			massErrors = append(massErrors, t.MassErrorPPM)
		}
	}

	recovery := 0.0
	if expected > 0 {
		recovery = float64(found) / float64(expected) * 100
	}

	return payload.RunMetrics{
		TargetsFound:    found,
		TargetsExpected: expected,
		RecoveryPercent: recovery,
		MedianRTShift:   median(rtShifts),
		MedianMassError: median(massErrors),
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// parseFloat treats empty and "#N/A" as missing, per spec.
func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "#N/A" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// resolveColumns maps each required column to its index in header by
// synonym match (case-insensitive), returning the names of any columns
// that could not be found.
func resolveColumns(header []string, required []column) (map[string]int, []string) {
	normalised := make(map[string]int, len(header))
	for i, h := range header {
		normalised[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idx := make(map[string]int, len(required))
	var missing []string
	for _, col := range required {
		found := false
		for _, syn := range col.synonyms {
			if i, ok := normalised[strings.ToLower(syn)]; ok {
				idx[col.name] = i
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, col.name)
		}
	}
	return idx, missing
}

func columnNames(cols []column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}
