package export

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"assessment-runner/internal/models"
)

type staticLister struct {
	results []models.PairResult
	err     error
}

func (s staticLister) ListAssessments(context.Context, string) ([]models.PairResult, error) {
	return s.results, s.err
}

func TestAssignmentXLSX(t *testing.T) {
	lister := staticLister{results: []models.PairResult{
		{StudentID: "alice", TaskID: "t1", Assessment: &models.Assessment{
			Completeness: models.CriterionScore{Score: 4, Reasoning: "covers most"},
			Accuracy:     models.CriterionScore{Score: 3.5},
			SPaG:         models.CriterionScore{Score: 5},
		}},
		{StudentID: "bob", TaskID: "t1", Error: "assessment request failed after 4 attempts"},
	}}

	raw, err := NewService(lister, nil).AssignmentXLSX(context.Background(), "asg-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(rows))
	}
	if rows[0][0] != "Student" || rows[1][0] != "alice" || rows[1][3] != "3.5" || rows[1][5] != "assessed" {
		t.Fatalf("unexpected first row: %v", rows[1])
	}
	if rows[2][5] != "failed" || rows[2][6] != "assessment request failed after 4 attempts" {
		t.Fatalf("unexpected failed row: %v", rows[2])
	}
}

func TestAssignmentXLSXPropagatesQueryError(t *testing.T) {
	_, err := NewService(staticLister{err: errors.New("db down")}, nil).AssignmentXLSX(context.Background(), "asg-1")
	if err == nil {
		t.Fatalf("expected error")
	}
}
