package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

type stubMigrationConn struct {
	recorded map[string]bool
	execs    []string
	execErr  func(query string) error
}

func (s *stubMigrationConn) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	if s.execErr != nil {
		if err := s.execErr(query); err != nil {
			return nil, err
		}
	}
	s.execs = append(s.execs, query)
	if strings.Contains(query, "INSERT INTO schema_migrations") {
		s.recorded[args[0].(string)] = true
	}
	return nil, nil
}

func (s *stubMigrationConn) GetContext(_ context.Context, dest any, _ string, args ...any) error {
	*dest.(*bool) = s.recorded[args[0].(string)]
	return nil
}

func migrationFS() fstest.MapFS {
	return fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE b (id text);\n")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id text);\n-- +migrate Down\nDROP TABLE a;\n")},
		"README.md":      {Data: []byte("not a migration")},
	}
}

func TestMigrateAppliesInOrder(t *testing.T) {
	conn := &stubMigrationConn{recorded: map[string]bool{}}
	applied, err := Migrate(context.Background(), conn, migrationFS(), nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001_first.sql" || applied[1] != "002_second.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
	for _, query := range conn.execs {
		if strings.Contains(query, "DROP TABLE") {
			t.Fatalf("down section executed: %q", query)
		}
	}
}

func TestMigrateSkipsRecorded(t *testing.T) {
	conn := &stubMigrationConn{recorded: map[string]bool{"001_first.sql": true}}
	applied, err := Migrate(context.Background(), conn, migrationFS(), nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "002_second.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
}

func TestMigrateStopsOnFailure(t *testing.T) {
	conn := &stubMigrationConn{
		recorded: map[string]bool{},
		execErr: func(query string) error {
			if strings.Contains(query, "CREATE TABLE b") {
				return errors.New("syntax error")
			}
			return nil
		},
	}
	applied, err := Migrate(context.Background(), conn, migrationFS(), nil)
	if err == nil || !strings.Contains(err.Error(), "002_second.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if len(applied) != 1 || conn.recorded["002_second.sql"] {
		t.Fatalf("failed migration must not be recorded: %v %v", applied, conn.recorded)
	}
}
