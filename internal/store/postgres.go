package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"assessment-runner/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the pipeline's source of
// tasks and submissions and the sink for its results.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Tasks returns the reference deck's tasks in slide order, each carrying the
// matching task content of the empty deck as its template.
func (s *Store) Tasks(ctx context.Context, referenceID, emptyID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.task_id, r.title, r.task_type, r.position, r.content, r.notes, e.content
		FROM deck_tasks r
		LEFT JOIN deck_tasks e ON e.deck_id = $2 AND e.task_id = r.task_id
		WHERE r.deck_id = $1
		ORDER BY r.position, r.task_id
	`, referenceID, emptyID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var typ string
		if err := rows.Scan(&t.ID, &t.Title, &typ, &t.Index, &t.Reference, &t.Notes, &t.Template); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Type = models.TaskType(typ)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Students lists the students enrolled on an assignment.
func (s *Store) Students(ctx context.Context, assignmentID string) ([]models.Student, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.name, st.email
		FROM enrolments en JOIN students st ON st.id = en.student_id
		WHERE en.assignment_id = $1
		ORDER BY st.name, st.id
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	var out []models.Student
	for rows.Next() {
		var st models.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Email); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Submissions returns one student's extracted responses.
func (s *Store) Submissions(ctx context.Context, assignmentID, studentID string) ([]models.Submission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, content FROM submissions
		WHERE assignment_id = $1 AND student_id = $2
	`, assignmentID, studentID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		sub := models.Submission{StudentID: studentID}
		if err := rows.Scan(&sub.TaskID, &sub.Content); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SaveAssessments upserts every pair result of a run in one transaction.
func (s *Store) SaveAssessments(ctx context.Context, runID, assignmentID string, results []models.PairResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, r := range results {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO assessments (assignment_id, student_id, task_id, run_id, completeness, accuracy, spag, payload, cached, not_attempted, error, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (assignment_id, student_id, task_id) DO UPDATE SET
				run_id = EXCLUDED.run_id, completeness = EXCLUDED.completeness, accuracy = EXCLUDED.accuracy,
				spag = EXCLUDED.spag, payload = EXCLUDED.payload, cached = EXCLUDED.cached,
				not_attempted = EXCLUDED.not_attempted, error = EXCLUDED.error, updated_at = NOW()
		`, assignmentID, r.StudentID, r.TaskID, runID,
			row.completeness, row.accuracy, row.spag, row.payload, r.Cached, r.NotAttempted, row.errText)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert assessments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListAssessments returns the latest stored result of every pair of an assignment.
func (s *Store) ListAssessments(ctx context.Context, assignmentID string) ([]models.PairResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id, task_id, payload, cached, not_attempted, error
		FROM assessments WHERE assignment_id = $1
		ORDER BY student_id, task_id
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []models.PairResult
	for rows.Next() {
		var (
			r       models.PairResult
			payload []byte
			errText pgtype.Text
		)
		if err := rows.Scan(&r.StudentID, &r.TaskID, &payload, &r.Cached, &r.NotAttempted, &errText); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		if len(payload) > 0 {
			var a models.Assessment
			if err := json.Unmarshal(payload, &a); err != nil {
				return nil, fmt.Errorf("unmarshal assessment payload: %w", err)
			}
			r.Assessment = &a
		}
		if errText.Valid {
			r.Error = errText.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds a run lifecycle row.
func (s *Store) AppendAudit(ctx context.Context, runID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_audit (run_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, runID, event, detail)
	return err
}

// RecentAudit returns the newest audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]models.RunAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, event, detail, recorded_at FROM run_audit
		ORDER BY recorded_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.RunAudit
	for rows.Next() {
		var a models.RunAudit
		if err := rows.Scan(&a.RunID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type assessmentRow struct {
	completeness pgtype.Float8
	accuracy     pgtype.Float8
	spag         pgtype.Float8
	payload      []byte
	errText      pgtype.Text
}

func toRow(r models.PairResult) (assessmentRow, error) {
	var row assessmentRow
	if r.Error != "" {
		row.errText = pgtype.Text{String: r.Error, Valid: true}
	}
	if r.Assessment == nil {
		return row, nil
	}
	payload, err := json.Marshal(r.Assessment)
	if err != nil {
		return row, fmt.Errorf("marshal assessment: %w", err)
	}
	row.payload = payload
	row.completeness = pgtype.Float8{Float64: r.Assessment.Completeness.Score, Valid: true}
	row.accuracy = pgtype.Float8{Float64: r.Assessment.Accuracy.Score, Valid: true}
	row.spag = pgtype.Float8{Float64: r.Assessment.SPaG.Score, Valid: true}
	return row, nil
}
