package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
)

// StudentRepo implements StudentRepository using PostgreSQL.
type StudentRepo struct{ db *DB }

// NewStudentRepo constructs a student repository.
func NewStudentRepo(db *DB) *StudentRepo { return &StudentRepo{db: db} }

// StudentCohort selects the student's year and semester.
func (r *StudentRepo) StudentCohort(ctx context.Context, id uuid.UUID) (model.Cohort, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	var c model.Cohort
	err := r.db.Pool.QueryRow(ctx, `SELECT year, semester FROM students WHERE id=$1`, id).Scan(&c.Year, &c.Semester)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Cohort{}, errs.ErrNotFound
	}
	return c, err
}

// UpsertStudent inserts a roster row or replaces it by id.
func (r *StudentRepo) UpsertStudent(ctx context.Context, s *model.Student) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	const q = `
INSERT INTO students (id, reg_no, name, year, semester)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET reg_no = EXCLUDED.reg_no, name = EXCLUDED.name, year = EXCLUDED.year, semester = EXCLUDED.semester`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.RegNo, s.Name, s.Cohort.Year, s.Cohort.Semester)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}
