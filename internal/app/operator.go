package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nightrelay/postengine/internal/config"
	"github.com/nightrelay/postengine/internal/platform"
	"github.com/nightrelay/postengine/pkg/posting"
	"github.com/nightrelay/postengine/pkg/repository"
)

var operatorValidator = validator.New()

// runTenantUpsert loads a tenant definition from cfg.TenantFile, validates
// it, and upserts it — the one genuine entry point for operator-supplied
// Tenant configuration, so a malformed definition is rejected before it
// ever reaches the repository (spec §7: Configuration-kind errors surface
// before the engine starts acting on bad data).
func runTenantUpsert(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.TenantFile == "" {
		return fmt.Errorf("tenant-upsert mode requires TENANT_FILE")
	}
	data, err := os.ReadFile(cfg.TenantFile)
	if err != nil {
		return fmt.Errorf("reading tenant file %q: %w", cfg.TenantFile, err)
	}

	var params repository.UpsertTenantParams
	if err := json.Unmarshal(data, &params); err != nil {
		return fmt.Errorf("parsing tenant file %q: %w", cfg.TenantFile, err)
	}
	if err := operatorValidator.Struct(params); err != nil {
		return fmt.Errorf("validating tenant definition: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	repo := repository.NewPostgres(db)
	tenant, err := repo.UpsertTenant(ctx, params)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	logger.Info("tenant upserted", "tenant", tenant.ID, "display_name", tenant.DisplayName)
	return nil
}

// postDeleteArgs is the validated shape of a post-delete request.
type postDeleteArgs struct {
	PostID uuid.UUID `validate:"required"`
}

// runPostDelete retracts an already-published post from its tenant's
// posting backend. It does not alter the stored post's status: spec §4.9's
// state machine has no edge out of published, so retraction is an
// out-of-band operator action recorded only in the log, not in the
// post's own state.
func runPostDelete(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	id, err := uuid.Parse(cfg.OperatorPostID)
	if err != nil {
		return fmt.Errorf("parsing POST_ID %q: %w", cfg.OperatorPostID, err)
	}
	args := postDeleteArgs{PostID: id}
	if err := operatorValidator.Struct(args); err != nil {
		return fmt.Errorf("validating post-delete args: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	repo := repository.NewPostgres(db)
	post, err := repo.GetPost(ctx, args.PostID)
	if err != nil {
		return fmt.Errorf("fetching post %s: %w", args.PostID, err)
	}
	if post.ExternalID == nil {
		return fmt.Errorf("post %s was never published, nothing to retract", args.PostID)
	}

	tenantRow, err := repo.GetTenant(ctx, post.TenantID)
	if err != nil {
		return fmt.Errorf("fetching tenant %s: %w", post.TenantID, err)
	}

	driver := posting.NewSlack()
	if err := driver.Delete(ctx, tenantRow.CredentialsOpaque, *post.ExternalID); err != nil {
		return fmt.Errorf("retracting post %s: %w", args.PostID, err)
	}

	logger.Info("post retracted", "post", args.PostID, "tenant", post.TenantID, "external_id", *post.ExternalID)
	return nil
}
