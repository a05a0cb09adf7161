package store

import (
	"encoding/json"
	"testing"

	"assessment-runner/internal/models"
)

func TestToRowFailedPair(t *testing.T) {
	row, err := toRow(models.PairResult{StudentID: "s", TaskID: "t", Error: "timeout"})
	if err != nil {
		t.Fatalf("to row: %v", err)
	}
	if row.payload != nil || row.completeness.Valid {
		t.Fatalf("failed pair should store no scores: %+v", row)
	}
	if !row.errText.Valid || row.errText.String != "timeout" {
		t.Fatalf("expected error text, got %+v", row.errText)
	}
}

func TestToRowAssessedPair(t *testing.T) {
	a := &models.Assessment{
		Completeness: models.CriterionScore{Score: 4, Reasoning: "most"},
		Accuracy:     models.CriterionScore{Score: 3},
		SPaG:         models.CriterionScore{Score: 5},
	}
	row, err := toRow(models.PairResult{Assessment: a})
	if err != nil {
		t.Fatalf("to row: %v", err)
	}
	if row.errText.Valid {
		t.Fatalf("no error expected")
	}
	if row.completeness.Float64 != 4 || row.accuracy.Float64 != 3 || row.spag.Float64 != 5 {
		t.Fatalf("unexpected scores: %+v", row)
	}
	var back models.Assessment
	if err := json.Unmarshal(row.payload, &back); err != nil || back.Completeness.Reasoning != "most" {
		t.Fatalf("payload should round trip: %v %+v", err, back)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected embedded migrations, err=%v", err)
	}
}
