package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/auth"
	"github.com/and161185/presence/internal/config"
	"github.com/and161185/presence/internal/migrate"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/repository/gormstore"
	"github.com/and161185/presence/internal/repository/postgres"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runMigrate implements "presence-server migrate up|down|version".
func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("dsn", envOr("PRESENCE_DSN", ""), "PostgreSQL DSN")
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: presence-server migrate up|down|version [-dsn DSN]")
		return 2
	}
	op := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *dsn == "" {
		fmt.Fprintln(stderr, "migrate: missing -dsn or PRESENCE_DSN")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch op {
	case "up":
		err = migrate.Up(ctx, *dsn)
	case "down":
		err = migrate.Down(ctx, *dsn)
	case "version":
		var v int64
		if v, err = migrate.Version(ctx, *dsn); err == nil {
			fmt.Fprintln(stdout, v)
		}
	default:
		fmt.Fprintf(stderr, "migrate: unknown op %q\n", op)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}
	return 0
}

// runToken implements "presence-server token -sub UUID -role staff|student" for
// issuing bearer tokens out of band.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	key := fs.String("jwt-key", envOr("PRESENCE_JWT_KEY", ""), "HS256 signing key")
	sub := fs.String("sub", "", "user id (uuid); a new one when empty")
	role := fs.String("role", string(auth.RoleStudent), "staff or student")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" {
		fmt.Fprintln(stderr, "token: missing -jwt-key or PRESENCE_JWT_KEY")
		return 2
	}

	id := uuid.Must(uuid.NewV4())
	if *sub != "" {
		var err error
		if id, err = uuid.FromString(*sub); err != nil {
			fmt.Fprintln(stderr, "token: bad -sub:", err)
			return 2
		}
	}
	tok, exp, err := auth.Issue([]byte(*key), auth.Identity{UserID: id, Role: auth.Role(*role)}, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(stderr, "token:", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s\n", tok)
	fmt.Fprintf(stderr, "sub=%s role=%s expires=%s\n", id, *role, exp.UTC().Format(time.RFC3339))
	return 0
}

type rosterEntry struct {
	RegNo    string `validate:"required,max=64"`
	Name     string `validate:"required,max=128"`
	Year     int    `validate:"min=1,max=4"`
	Semester int    `validate:"min=1,max=8"`
}

// openRoster opens the store named by kind for a one-off roster write.
func openRoster(ctx context.Context, kind, dsn, path string) (repository.Store, error) {
	switch strings.ToLower(kind) {
	case config.StoreSQLite:
		return gormstore.Open(path, 0)
	case config.StorePostgres:
		if err := migrate.Up(ctx, dsn); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, dsn, 0)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// runStudent implements "presence-server student -reg R -name N -year Y -sem S [-id UUID]",
// adding or replacing a roster entry. The printed id is the one to issue a token for.
func runStudent(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("student", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("store", envOr("PRESENCE_STORE", config.StorePostgres), "store kind: postgres or sqlite")
	dsn := fs.String("dsn", envOr("PRESENCE_DSN", ""), "PostgreSQL DSN")
	path := fs.String("sqlite", envOr("PRESENCE_SQLITE_PATH", "presence.db"), "SQLite database file")
	rawID := fs.String("id", "", "student id (uuid); a new one when empty")
	var in rosterEntry
	fs.StringVar(&in.RegNo, "reg", "", "registration number")
	fs.StringVar(&in.Name, "name", "", "display name")
	fs.IntVar(&in.Year, "year", 0, "cohort year (1-4)")
	fs.IntVar(&in.Semester, "sem", 0, "cohort semester (1-8)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	in.RegNo, in.Name = strings.TrimSpace(in.RegNo), strings.TrimSpace(in.Name)
	if err := validator.New().Struct(in); err != nil {
		fmt.Fprintln(stderr, "student:", err)
		return 2
	}
	id := uuid.Must(uuid.NewV4())
	if *rawID != "" {
		var err error
		if id, err = uuid.FromString(*rawID); err != nil {
			fmt.Fprintln(stderr, "student: bad -id:", err)
			return 2
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	store, err := openRoster(ctx, *kind, *dsn, *path)
	if err != nil {
		fmt.Fprintln(stderr, "student:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	st := &model.Student{ID: id, RegNo: in.RegNo, Name: in.Name, Cohort: model.Cohort{Year: in.Year, Semester: in.Semester}}
	if err := store.Students().UpsertStudent(ctx, st); err != nil {
		fmt.Fprintln(stderr, "student:", err)
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}
