// Package gormstore is an embedded single-file store built on gorm and a pure-Go
// SQLite driver. It serves single-node deployments and integration tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofrs/uuid/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
)

type sessionRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	StaffID      string `gorm:"size:36;not null;index"`
	Subject      string `gorm:"not null"`
	Year         int    `gorm:"not null"`
	Semester     int    `gorm:"not null"`
	Mode         string `gorm:"size:8;not null"`
	IsActive     bool   `gorm:"not null;default:false"`
	CurrentToken *string
	StartedAt    *time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time

	RotationOwner *string `gorm:"size:128"`
	LeaseUntil    *time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type studentRow struct {
	ID       string `gorm:"primaryKey;size:36"`
	RegNo    string `gorm:"uniqueIndex;not null"`
	Name     string `gorm:"not null"`
	Year     int    `gorm:"not null"`
	Semester int    `gorm:"not null"`
}

func (studentRow) TableName() string { return "students" }

type attendanceRow struct {
	SessionID string    `gorm:"primaryKey;size:36"`
	StudentID string    `gorm:"primaryKey;size:36;index"`
	MarkedAt  time.Time `gorm:"not null"`
}

func (attendanceRow) TableName() string { return "attendance" }

// Store implements repository.Store over SQLite.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

var (
	_ repository.Store                = (*Store)(nil)
	_ repository.SessionRepository    = (*sessions)(nil)
	_ repository.StudentRepository    = (*students)(nil)
	_ repository.AttendanceRepository = (*attendance)(nil)
)

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string, timeout time.Duration) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer: SQLite serializes writes anyway, this avoids SQLITE_BUSY between pool conns
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&sessionRow{}, &studentRow{}, &attendanceRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_staff ON sessions(staff_id) WHERE is_active`).Error; err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

func (s *Store) Sessions() repository.SessionRepository     { return &sessions{s} }
func (s *Store) Students() repository.StudentRepository     { return &students{s} }
func (s *Store) Attendance() repository.AttendanceRepository { return &attendance{s} }

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func toModel(r sessionRow) (model.Session, error) {
	id, err := uuid.FromString(r.ID)
	if err != nil {
		return model.Session{}, err
	}
	staff, err := uuid.FromString(r.StaffID)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{
		ID:           id,
		StaffID:      staff,
		Subject:      r.Subject,
		Cohort:       model.Cohort{Year: r.Year, Semester: r.Semester},
		Mode:         model.Mode(r.Mode),
		IsActive:     r.IsActive,
		CurrentToken: r.CurrentToken,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		CreatedAt:    r.CreatedAt,

		RotationOwner: r.RotationOwner,
		LeaseUntil:    r.LeaseUntil,
	}, nil
}

type sessions struct{ *Store }

func (r *sessions) Create(ctx context.Context, m *model.Session) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	row := sessionRow{
		ID:        m.ID.String(),
		StaffID:   m.StaffID.String(),
		Subject:   m.Subject,
		Year:      m.Cohort.Year,
		Semester:  m.Cohort.Semester,
		Mode:      string(m.Mode),
		CreatedAt: m.CreatedAt,
	}
	err := db.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (r *sessions) get(db *gorm.DB, id uuid.UUID) (*model.Session, error) {
	var row sessionRow
	err := db.Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m, err := toModel(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *sessions) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	return r.get(db, id)
}

func (r *sessions) list(db *gorm.DB) ([]model.Session, error) {
	var rows []sessionRow
	if err := db.Order("started_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(rows))
	for _, row := range rows {
		m, err := toModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *sessions) ListActive(ctx context.Context) ([]model.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	return r.list(db.Where("is_active = ?", true))
}

func (r *sessions) ActiveForStaff(ctx context.Context, staffID uuid.UUID) ([]model.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	return r.list(db.Where("is_active = ? AND staff_id = ?", true, staffID.String()))
}

func (r *sessions) Activate(ctx context.Context, id uuid.UUID, startedAt time.Time) (*model.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	res := db.Model(&sessionRow{}).
		Where("id = ? AND ended_at IS NULL", id.String()).
		Updates(map[string]any{
			"is_active":  true,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", startedAt),
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, errs.ErrConflict
	}
	if res.Error != nil {
		return nil, res.Error
	}
	s, err := r.get(db, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrInvalidState
	}
	return s, nil
}

func (r *sessions) End(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	res := db.Model(&sessionRow{}).
		Where("id = ? AND is_active = ?", id.String(), true).
		Updates(map[string]any{
			"is_active":      false,
			"ended_at":       endedAt,
			"current_token":  nil,
			"rotation_owner": nil,
			"lease_until":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.get(db, id); err != nil {
			return err
		}
		return errs.ErrInvalidState
	}
	return nil
}

// PublishCurrentToken checks the lease and writes inside one transaction; the single
// pooled connection makes that read-then-write exclusive.
func (r *sessions) PublishCurrentToken(ctx context.Context, id uuid.UUID, encoded string, lease repository.Lease) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	return db.Transaction(func(tx *gorm.DB) error {
		cur, err := r.get(tx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("publish token: %w", errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !cur.IsActive {
			return fmt.Errorf("publish token: %w", errs.ErrNotFound)
		}
		if !cur.RotatableBy(lease.Owner, lease.Now) {
			return fmt.Errorf("publish token: %w", errs.ErrLeaseHeld)
		}
		until := lease.Until.UTC()
		return tx.Model(&sessionRow{}).
			Where("id = ?", id.String()).
			Updates(map[string]any{
				"current_token":  encoded,
				"rotation_owner": lease.Owner,
				"lease_until":    until,
			}).Error
	})
}

type students struct{ *Store }

func (r *students) StudentCohort(ctx context.Context, id uuid.UUID) (model.Cohort, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var row studentRow
	err := db.Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Cohort{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Cohort{}, err
	}
	return model.Cohort{Year: row.Year, Semester: row.Semester}, nil
}

func (r *students) UpsertStudent(ctx context.Context, s *model.Student) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	row := studentRow{ID: s.ID.String(), RegNo: s.RegNo, Name: s.Name, Year: s.Cohort.Year, Semester: s.Cohort.Semester}
	err := db.Save(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.ErrAlreadyExists
	}
	return err
}

type attendance struct{ *Store }

func (r *attendance) InsertIfAbsent(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	row := attendanceRow{SessionID: rec.SessionID.String(), StudentID: rec.StudentID.String(), MarkedAt: rec.MarkedAt}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *attendance) list(db *gorm.DB) ([]model.AttendanceRecord, error) {
	var rows []attendanceRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		sid, err := uuid.FromString(row.SessionID)
		if err != nil {
			return nil, err
		}
		st, err := uuid.FromString(row.StudentID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.AttendanceRecord{SessionID: sid, StudentID: st, MarkedAt: row.MarkedAt})
	}
	return out, nil
}

func (r *attendance) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	return r.list(db.Where("session_id = ?", sessionID.String()).Order("marked_at ASC").Order("student_id ASC"))
}

func (r *attendance) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]model.AttendanceRecord, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	return r.list(db.Where("student_id = ?", studentID.String()).Order("marked_at DESC"))
}
