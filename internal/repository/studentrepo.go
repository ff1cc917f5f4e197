package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/model"
)

// StudentRepository resolves roster data for eligibility checks.
type StudentRepository interface {
	// StudentCohort returns the student's (year, semester); ErrNotFound for unknown students.
	StudentCohort(ctx context.Context, id uuid.UUID) (model.Cohort, error)
	// UpsertStudent inserts or replaces a roster entry.
	UpsertStudent(ctx context.Context, s *model.Student) error
}
