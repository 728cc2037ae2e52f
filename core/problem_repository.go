package core

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProblemNotFound is returned when no problem matches the external id.
var ErrProblemNotFound = errors.New("problem not found")

// Problem is a gradable problem with its ordered test cases, loaded eagerly.
type Problem struct {
	ID        int64 // primary key
	ProblemID int64 // external identifier carried by jobs
	TestCases []TestCase
}

// TestCase holds one stored input/expected-output pair. Payloads keep their
// stored escape sequences; callers decode with DecodeTestPayload before use.
// Ordinal is the 1-based position reported to users on a failing case.
type TestCase struct {
	Ordinal    int
	InputData  string
	OutputData string
}

// ProblemRepository is the read-only view of the problem store.
type ProblemRepository interface {
	FindByProblemID(ctx context.Context, problemID int64) (*Problem, error)
}

// PgProblemRepository implements ProblemRepository using pgxpool.
type PgProblemRepository struct {
	db *pgxpool.Pool
}

func NewPgProblemRepository(db *pgxpool.Pool) *PgProblemRepository {
	return &PgProblemRepository{db: db}
}

// FindByProblemID loads a problem and all its test cases in one round trip,
// joined on the problem's primary key and ordered by test-case id. A problem
// without test cases is returned with an empty slice; the grader decides it
// is not gradable.
func (r *PgProblemRepository) FindByProblemID(ctx context.Context, problemID int64) (*Problem, error) {
	const q = `
SELECT p.id, p.problem_id, t.input_data, t.output_data
FROM problems p
LEFT JOIN test_cases t ON t.problem_id = p.id
WHERE p.problem_id = $1
ORDER BY p.id, t.id`
	rows, err := r.db.Query(ctx, q, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problem *Problem
	for rows.Next() {
		var pk, extID int64
		var input, output sql.NullString
		if err := rows.Scan(&pk, &extID, &input, &output); err != nil {
			return nil, err
		}
		if problem == nil {
			problem = &Problem{ID: pk, ProblemID: extID}
		} else if problem.ID != pk {
			// problem_id is only unique per dataset; grade against the first.
			continue
		}
		if !input.Valid || !output.Valid {
			continue
		}
		problem.TestCases = append(problem.TestCases, TestCase{
			Ordinal:    len(problem.TestCases) + 1,
			InputData:  input.String,
			OutputData: output.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if problem == nil {
		return nil, ErrProblemNotFound
	}
	return problem, nil
}
