package core

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubmissionRecord is the persisted, judged outcome of one Submission —
// a feature the distilled core protocol leaves to its caller, supplemented
// here so a judging run survives past the supervisor's lifetime (adapted
// from submission_repository.go's SubmissionResult shape).
type SubmissionRecord struct {
	SubmissionID int64
	ProblemID    string
	Language     string
	Verdict      string // the worst ResultFlag observed, or "AC"
	TotalPoints  float64
	MaxPoints    float64
	MaxTimeMS    int32
	MaxMemoryKB  int32
	GradedAt     time.Time
}

// CaseRecord is one graded case's persisted row.
type CaseRecord struct {
	CasePosition int
	BatchNumber  int // 0 if not batched
	Verdict      string
	Points       float64
	TimeMS       int32
	MemoryKB     int32
}

// ResultStore persists finished grading runs.
type ResultStore interface {
	SaveSubmission(ctx context.Context, rec SubmissionRecord, cases []CaseRecord) error
	FindSubmission(ctx context.Context, id int64) (*SubmissionRecord, []CaseRecord, error)
}

// PgResultStore is a pgx-backed ResultStore. It expects existing
// judge_submissions and judge_case_results tables with the columns the
// queries below use; it does not create them.
type PgResultStore struct {
	db *pgxpool.Pool
}

func NewPgResultStore(db *pgxpool.Pool) *PgResultStore {
	return &PgResultStore{db: db}
}

var ErrSubmissionNotFound = errors.New("submission not found")

func (s *PgResultStore) SaveSubmission(ctx context.Context, rec SubmissionRecord, cases []CaseRecord) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSubmission = `
INSERT INTO judge_submissions (submission_id, problem_id, language, verdict, total_points, max_points, max_time_ms, max_memory_kb, graded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (submission_id) DO UPDATE SET
  verdict=EXCLUDED.verdict,
  total_points=EXCLUDED.total_points,
  max_points=EXCLUDED.max_points,
  max_time_ms=EXCLUDED.max_time_ms,
  max_memory_kb=EXCLUDED.max_memory_kb,
  graded_at=EXCLUDED.graded_at`
	if _, err := tx.Exec(ctx, upsertSubmission,
		rec.SubmissionID, rec.ProblemID, rec.Language, rec.Verdict,
		rec.TotalPoints, rec.MaxPoints, rec.MaxTimeMS, rec.MaxMemoryKB, rec.GradedAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM judge_case_results WHERE submission_id=$1`, rec.SubmissionID); err != nil {
		return err
	}
	for _, c := range cases {
		const insertCase = `
INSERT INTO judge_case_results (submission_id, case_position, batch_number, verdict, points, time_ms, memory_kb)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
		if _, err := tx.Exec(ctx, insertCase,
			rec.SubmissionID, c.CasePosition, c.BatchNumber, c.Verdict, c.Points, c.TimeMS, c.MemoryKB,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PgResultStore) FindSubmission(ctx context.Context, id int64) (*SubmissionRecord, []CaseRecord, error) {
	const q = `SELECT submission_id, problem_id, language, verdict, total_points, max_points, max_time_ms, max_memory_kb, graded_at
FROM judge_submissions WHERE submission_id=$1`
	var rec SubmissionRecord
	if err := s.db.QueryRow(ctx, q, id).Scan(
		&rec.SubmissionID, &rec.ProblemID, &rec.Language, &rec.Verdict,
		&rec.TotalPoints, &rec.MaxPoints, &rec.MaxTimeMS, &rec.MaxMemoryKB, &rec.GradedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSubmissionNotFound
		}
		return nil, nil, err
	}

	const caseQ = `SELECT case_position, batch_number, verdict, points, time_ms, memory_kb
FROM judge_case_results WHERE submission_id=$1 ORDER BY case_position`
	rows, err := s.db.Query(ctx, caseQ, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cases []CaseRecord
	for rows.Next() {
		var c CaseRecord
		var batch sql.NullInt32
		if err := rows.Scan(&c.CasePosition, &batch, &c.Verdict, &c.Points, &c.TimeMS, &c.MemoryKB); err != nil {
			return nil, nil, err
		}
		if batch.Valid {
			c.BatchNumber = int(batch.Int32)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &rec, cases, nil
}

// SummarizeResults reduces a run's ResultEvents into the aggregate
// SubmissionRecord/CaseRecord shapes the store persists.
func SummarizeResults(sub Submission, events []ResultEvent) (SubmissionRecord, []CaseRecord) {
	rec := SubmissionRecord{
		SubmissionID: sub.ID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
		Verdict:      "AC",
		GradedAt:     time.Now(),
	}
	cases := make([]CaseRecord, 0, len(events))
	worstRank := 0
	for _, ev := range events {
		r := ev.Result
		rec.TotalPoints += r.Points
		if ms := int32(r.ExecutionTime * 1000); ms > rec.MaxTimeMS {
			rec.MaxTimeMS = ms
		}
		if mem := int32(r.MaxMemory); mem > rec.MaxMemoryKB {
			rec.MaxMemoryKB = mem
		}
		verdict := verdictName(r.ResultFlag)
		if rank := verdictRank(r.ResultFlag); rank > worstRank {
			worstRank = rank
			rec.Verdict = verdict
		}
		cases = append(cases, CaseRecord{
			CasePosition: r.CasePosition,
			BatchNumber:  r.BatchNumber,
			Verdict:      verdict,
			Points:       r.Points,
			TimeMS:       int32(r.ExecutionTime * 1000),
			MemoryKB:     int32(r.MaxMemory),
		})
	}
	return rec, cases
}

// verdictRank orders flags from "fine" to "worst" so a submission's
// overall verdict is its single worst case, matching conventional
// online-judge summary semantics.
func verdictRank(f ResultFlag) int {
	switch {
	case f.Has(FlagIR):
		return 6
	case f.Has(FlagMLE):
		return 5
	case f.Has(FlagTLE):
		return 4
	case f.Has(FlagRTE):
		return 3
	case f.Has(FlagOLE):
		return 2
	case f.Has(FlagWA):
		return 1
	default:
		return 0
	}
}

func verdictName(f ResultFlag) string {
	switch {
	case f.Has(FlagIR):
		return "IR"
	case f.Has(FlagMLE):
		return "MLE"
	case f.Has(FlagTLE):
		return "TLE"
	case f.Has(FlagRTE):
		return "RTE"
	case f.Has(FlagOLE):
		return "OLE"
	case f.Has(FlagWA):
		return "WA"
	case f.Has(FlagSC):
		return "SC"
	default:
		return "AC"
	}
}
