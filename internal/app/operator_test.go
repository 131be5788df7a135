package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nightrelay/postengine/internal/config"
)

func TestRunTenantUpsert_RequiresTenantFile(t *testing.T) {
	cfg := &config.Config{}
	err := runTenantUpsert(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "TENANT_FILE") {
		t.Fatalf("err = %v, want a TENANT_FILE requirement error", err)
	}
}

func TestRunTenantUpsert_RejectsUnreadableFile(t *testing.T) {
	cfg := &config.Config{TenantFile: filepath.Join(t.TempDir(), "missing.json")}
	err := runTenantUpsert(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "reading tenant file") {
		t.Fatalf("err = %v, want a reading-tenant-file error", err)
	}
}

func TestRunTenantUpsert_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	cfg := &config.Config{TenantFile: path}

	err := runTenantUpsert(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "parsing tenant file") {
		t.Fatalf("err = %v, want a parsing-tenant-file error", err)
	}
}

func TestRunTenantUpsert_RejectsMissingRequiredFields(t *testing.T) {
	// display_name, posting_window_hours, timezone, and template_name are
	// all required but omitted here; validation must reject this before
	// ever attempting a database connection.
	body, err := json.Marshal(map[string]any{
		"id": "2f6b8c3a-1a2b-4c3d-8e9f-0a1b2c3d4e5f",
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "tenant.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	cfg := &config.Config{TenantFile: path, DatabaseURL: "postgres://unreachable/invalid"}

	err = runTenantUpsert(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "validating tenant definition") {
		t.Fatalf("err = %v, want a validating-tenant-definition error", err)
	}
}

func TestRunPostDelete_RejectsMalformedPostID(t *testing.T) {
	cfg := &config.Config{OperatorPostID: "not-a-uuid"}
	err := runPostDelete(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "parsing POST_ID") {
		t.Fatalf("err = %v, want a parsing-POST_ID error", err)
	}
}

func TestRunPostDelete_RejectsNilUUID(t *testing.T) {
	cfg := &config.Config{OperatorPostID: "00000000-0000-0000-0000-000000000000"}
	err := runPostDelete(context.Background(), cfg, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "validating post-delete args") {
		t.Fatalf("err = %v, want a validating-post-delete-args error", err)
	}
}
