package infra

import (
	"io/fs"
	"testing"
)

func TestPgx5URL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/meter":   "pgx5://u:p@localhost:5432/meter",
		"postgresql://u:p@localhost:5432/meter": "pgx5://u:p@localhost:5432/meter",
		"pgx5://localhost/meter":                "pgx5://localhost/meter",
	}
	for in, want := range cases {
		if got := pgx5URL(in); got != want {
			t.Fatalf("pgx5URL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 up migrations, got %v", files)
	}
	for _, f := range files {
		down := f[:len(f)-len(".up.sql")] + ".down.sql"
		if _, err := fs.Stat(migrationFiles, down); err != nil {
			t.Fatalf("missing down migration for %s", f)
		}
	}
}
