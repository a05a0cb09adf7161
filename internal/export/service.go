// Package export renders persisted assessments as a spreadsheet for teachers.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"assessment-runner/internal/models"
)

// Lister reads the stored results of an assignment.
type Lister interface {
	ListAssessments(ctx context.Context, assignmentID string) ([]models.PairResult, error)
}

type Service struct {
	lister Lister
	logger *slog.Logger
}

func NewService(lister Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{lister: lister, logger: logger}
}

const sheet = "Assessments"

var headers = []string{
	"Student",
	"Task",
	"Completeness",
	"Accuracy",
	"SPaG",
	"Status",
	"Reasoning",
}

// AssignmentXLSX returns a workbook with one row per student-task pair.
func (s *Service) AssignmentXLSX(ctx context.Context, assignmentID string) ([]byte, error) {
	start := time.Now()
	results, err := s.lister.ListAssessments(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range results {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.StudentID)
		write(2, r.TaskID)
		write(6, status(r))
		if r.Assessment == nil {
			write(7, r.Error)
			continue
		}
		write(3, r.Assessment.Completeness.Score)
		write(4, r.Assessment.Accuracy.Score)
		write(5, r.Assessment.SPaG.Score)
		write(7, truncate(r.Assessment.Completeness.Reasoning+" "+r.Assessment.Accuracy.Reasoning+" "+r.Assessment.SPaG.Reasoning, 300))
	}

	_ = f.SetColWidth(sheet, "A", "B", 20)
	_ = f.SetColWidth(sheet, "C", "E", 14)
	_ = f.SetColWidth(sheet, "F", "F", 14)
	_ = f.SetColWidth(sheet, "G", "G", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"assignment_id", assignmentID,
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func status(r models.PairResult) string {
	switch {
	case r.Assessment == nil:
		return "failed"
	case r.NotAttempted:
		return "not attempted"
	case r.Cached:
		return "cached"
	default:
		return "assessed"
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
