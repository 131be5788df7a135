package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id, display_name, persona_prompt, posting_window_hours, timezone,
	credentials, knowledge_handle, template_name, active, last_acted_at,
	daily_llm_calls, daily_posts, daily_counter_day_key, created_at, updated_at`

const postColumns = `id, tenant_id, text, status, external_id, failure_kind,
	failure_message, created_at, published_at`

// Postgres is a Repository backed by a pgx connection pool. Queries are
// hand-written (no code generator), matching the teacher's Store pattern:
// a thin wrapper around *pgxpool.Pool with one method per operation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed Repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	if err := row.Scan(
		&t.ID, &t.DisplayName, &t.PersonaPrompt, &t.PostingWindowHours, &t.Timezone,
		&t.CredentialsOpaque, &t.KnowledgeHandle, &t.TemplateName, &t.Active, &t.LastActedAt,
		&t.DailyLLMCalls, &t.DailyPosts, &t.DailyCounterDayKey, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func scanPost(row pgx.Row) (Post, error) {
	var p Post
	var status string
	var failureKind string
	if err := row.Scan(
		&p.ID, &p.TenantID, &p.Text, &status, &p.ExternalID, &failureKind,
		&p.FailureMessage, &p.CreatedAt, &p.PublishedAt,
	); err != nil {
		return Post{}, err
	}
	p.Status = PostStatus(status)
	p.FailureKind = FailureKind(failureKind)
	return p, nil
}

// ListTenants implements Repository.
func (p *Postgres) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var result []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// GetTenant implements Repository.
func (p *Postgres) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("getting tenant %s: %w", id, err)
	}
	return t, nil
}

// UpsertTenant implements Repository.
func (p *Postgres) UpsertTenant(ctx context.Context, params UpsertTenantParams) (Tenant, error) {
	query := `
		INSERT INTO tenants (id, display_name, persona_prompt, posting_window_hours, timezone, credentials, knowledge_handle, template_name, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			persona_prompt = EXCLUDED.persona_prompt,
			posting_window_hours = EXCLUDED.posting_window_hours,
			timezone = EXCLUDED.timezone,
			credentials = EXCLUDED.credentials,
			knowledge_handle = EXCLUDED.knowledge_handle,
			template_name = EXCLUDED.template_name,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING ` + tenantColumns

	row := p.pool.QueryRow(ctx, query,
		params.ID, params.DisplayName, params.PersonaPrompt, params.PostingWindowHours,
		params.Timezone, params.CredentialsOpaque, params.KnowledgeHandle, params.TemplateName, params.Active,
	)
	t, err := scanTenant(row)
	if err != nil {
		return Tenant{}, fmt.Errorf("upserting tenant %s: %w", params.ID, err)
	}
	return t, nil
}

// RecordCompletion implements Repository. The day-key reset is folded into
// the same statement so it is atomic with the counter bump (spec §3
// invariant 3: "resets are idempotent").
func (p *Postgres) RecordCompletion(ctx context.Context, tenantID uuid.UUID, outcome CompletionOutcome) error {
	query := `
		UPDATE tenants SET
			last_acted_at = $2,
			daily_llm_calls = CASE WHEN daily_counter_day_key = $3 THEN daily_llm_calls + $4 ELSE $4 END,
			daily_posts     = CASE WHEN daily_counter_day_key = $3 THEN daily_posts + $5 ELSE $5 END,
			daily_counter_day_key = $3,
			updated_at = now()
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query, tenantID, outcome.ActedAt, outcome.DayKey, outcome.LLMCalls, outcome.Posts)
	if err != nil {
		return fmt.Errorf("recording completion for tenant %s: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPost implements Repository.
func (p *Postgres) InsertPost(ctx context.Context, post Post) error {
	query := `
		INSERT INTO posts (id, tenant_id, text, status, external_id, failure_kind, failure_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.pool.Exec(ctx, query,
		post.ID, post.TenantID, post.Text, string(post.Status), post.ExternalID,
		string(post.FailureKind), post.FailureMessage, post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting post %s: %w", post.ID, err)
	}
	return nil
}

// UpdatePostStatus implements Repository's conditional-update contract.
func (p *Postgres) UpdatePostStatus(ctx context.Context, id uuid.UUID, t StatusTransition) error {
	if !ValidTransition(t.From, t.To) {
		return ErrIllegalTransition
	}
	query := `
		UPDATE posts SET
			status = $1,
			text = COALESCE($2, text),
			external_id = COALESCE($3, external_id),
			failure_kind = $4,
			failure_message = $5,
			published_at = COALESCE($6, published_at)
		WHERE id = $7 AND status = $8`

	tag, err := p.pool.Exec(ctx, query,
		string(t.To), t.Text, t.ExternalID, string(t.FailureKind), t.FailureMessage, t.PublishedAt,
		id, string(t.From),
	)
	if err != nil {
		return fmt.Errorf("updating post %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the post doesn't exist, or its stored status no longer
		// matches t.From — both collapse to the same rejection so a
		// concurrent writer can't distinguish "missing" from "stale".
		return ErrIllegalTransition
	}
	return nil
}

// GetPost implements Repository.
func (p *Postgres) GetPost(ctx context.Context, id uuid.UUID) (Post, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("getting post %s: %w", id, err)
	}
	return post, nil
}

// RecentPublishedTexts implements Repository.
func (p *Postgres) RecentPublishedTexts(ctx context.Context, tenantID uuid.UUID, n int) ([]string, error) {
	query := `SELECT text FROM posts WHERE tenant_id = $1 AND status = $2 ORDER BY published_at DESC LIMIT $3`
	rows, err := p.pool.Query(ctx, query, tenantID, string(PostPublished), n)
	if err != nil {
		return nil, fmt.Errorf("listing recent published texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scanning recent text: %w", err)
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

var _ Repository = (*Postgres)(nil)
