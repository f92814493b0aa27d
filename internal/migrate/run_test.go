package migrate

import "testing"

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations found")
	}

	prev := ""
	for _, m := range migrations {
		if !allDigits(m.version) {
			t.Fatalf("version %q is not numeric", m.version)
		}
		if m.name == "" {
			t.Fatalf("migration %s has no description", m.version)
		}
		if m.version <= prev {
			t.Fatalf("version %q out of order after %q", m.version, prev)
		}
		prev = m.version
	}

	if migrations[0].version != "0001" || migrations[0].name != "jobs" {
		t.Fatalf("first migration = %s_%s, want 0001_jobs", migrations[0].version, migrations[0].name)
	}
}

func TestAllDigits(t *testing.T) {
	t.Parallel()

	valid := []string{"0001", "42"}
	for _, s := range valid {
		if !allDigits(s) {
			t.Fatalf("allDigits(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "01a", "one"}
	for _, s := range invalid {
		if allDigits(s) {
			t.Fatalf("allDigits(%q) = true, want false", s)
		}
	}
}
