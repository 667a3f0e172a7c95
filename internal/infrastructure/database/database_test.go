package database

import (
	"strings"
	"testing"
	"time"
)

func TestMigrations_Ordered(t *testing.T) {
	got, err := Migrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"migrations/001_create_submissions.sql",
		"migrations/002_create_submission_attempts.sql",
		"migrations/003_create_authority_audit_log.sql",
		"migrations/004_create_invoice_tables.sql",
	}
	if len(got) != len(expected) {
		t.Fatalf("expected %d migrations, got %v", len(expected), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("migration %d: expected %s, got %s", i, expected[i], got[i])
		}
	}
}

func TestMigrations_InFlightIndex(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/001_create_submissions.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(sql), "idx_submissions_in_flight") {
		t.Error("submissions table must enforce one live submission per invoice")
	}
}

func TestConfig_ConnString(t *testing.T) {
	cfg := Config{
		Host:            "db",
		Port:            5432,
		Database:        "einvoice",
		User:            "svc",
		Password:        "pw",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}

	got := cfg.ConnString()
	for _, part := range []string{"host=db", "port=5432", "dbname=einvoice", "sslmode=disable", "pool_max_conns=10", "pool_max_conn_lifetime=5m0s"} {
		if !strings.Contains(got, part) {
			t.Errorf("expected %q in %q", part, got)
		}
	}
}
