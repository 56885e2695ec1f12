package benchmark

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one test's line in a report. Precision and Recall are zero when
// retrieval was not evaluated.
type Row struct {
	Query     string
	Tags      []string
	Coverage  float64
	Precision float64
	Recall    float64
}

// Summary averages a set of rows.
type Summary struct {
	Tests         int     `json:"tests"`
	MeanCoverage  float64 `json:"mean_coverage"`
	MeanPrecision float64 `json:"mean_precision"`
	MeanRecall    float64 `json:"mean_recall"`
}

// Summarize returns the mean of every score.
func Summarize(rows []Row) Summary {
	s := Summary{Tests: len(rows)}
	if len(rows) == 0 {
		return s
	}
	for _, r := range rows {
		s.MeanCoverage += r.Coverage
		s.MeanPrecision += r.Precision
		s.MeanRecall += r.Recall
	}
	n := float64(len(rows))
	s.MeanCoverage /= n
	s.MeanPrecision /= n
	s.MeanRecall /= n
	return s
}

const (
	resultsSheet = "results"
	summarySheet = "summary"
)

// WriteXLSX writes the rows and their summary to a workbook at path.
func WriteXLSX(path string, rows []Row) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return err
	}
	header := []any{"query", "tags", "coverage", "precision", "recall"}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{r.Query, strings.Join(r.Tags, ","), r.Coverage, r.Precision, r.Recall}
		if err := f.SetSheetRow(resultsSheet, cell, &values); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	s := Summarize(rows)
	for i, kv := range [][]any{
		{"tests", s.Tests},
		{"mean_coverage", s.MeanCoverage},
		{"mean_precision", s.MeanPrecision},
		{"mean_recall", s.MeanRecall},
	} {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &kv); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}
