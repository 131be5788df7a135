// Package repository defines the storage interface the engine core
// consumes (spec §6): an opaque repository with CRUD and the durable
// tenant/post truth. The concrete storage backend is an external
// collaborator — this package declares the narrow interface plus a
// Postgres-backed implementation and an in-memory fake for tests.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PostStatus is one of the states in spec §4.9's post state machine.
type PostStatus string

const (
	PostPending    PostStatus = "pending"
	PostGenerating PostStatus = "generating"
	PostValidating PostStatus = "validating"
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
)

// transitions enumerates the legal status edges from spec §4.9's diagram.
// update_post_status rejects any edge not listed here.
var transitions = map[PostStatus]map[PostStatus]bool{
	PostPending:    {PostGenerating: true, PostFailed: true},
	PostGenerating: {PostValidating: true, PostFailed: true},
	PostValidating: {PostPublishing: true, PostFailed: true},
	PostPublishing: {PostPublished: true, PostFailed: true},
	// Published and Failed are terminal: no outgoing edges.
}

// ValidTransition reports whether from -> to is a legal edge.
func ValidTransition(from, to PostStatus) bool {
	return transitions[from][to]
}

// FailureKind classifies why a post failed, mirroring spec §7's taxonomy.
type FailureKind string

const (
	FailureValidation    FailureKind = "validation"
	FailureConfiguration FailureKind = "configuration"
	FailureQuotaExceeded FailureKind = "quota_exceeded"
	FailureTransient     FailureKind = "transient"
)

// Tenant is the persisted row for spec §3's Tenant entity.
type Tenant struct {
	ID                 uuid.UUID `validate:"required"`
	DisplayName        string    `validate:"required"`
	PersonaPrompt      string
	PostingWindowHours []int  `validate:"required,min=1,dive,gte=0,lte=23"`
	Timezone           string `validate:"required"`
	CredentialsOpaque  []byte // never logged, passed by reference
	KnowledgeHandle    string // empty if none configured
	TemplateName       string `validate:"required"`
	Active             bool
	LastActedAt        *time.Time
	DailyLLMCalls      int
	DailyPosts         int
	DailyCounterDayKey string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Post is the persisted row for spec §3's Post entity.
type Post struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Text           string
	Status         PostStatus
	ExternalID     *string
	FailureKind    FailureKind
	FailureMessage string
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// UpsertTenantParams are the fields an operator can set on a tenant. json
// tags let the operator CLI decode these directly from a tenant
// definition file before validating and upserting.
type UpsertTenantParams struct {
	ID                 uuid.UUID `json:"id" validate:"required"`
	DisplayName        string    `json:"display_name" validate:"required"`
	PersonaPrompt      string    `json:"persona_prompt"`
	PostingWindowHours []int     `json:"posting_window_hours" validate:"required,min=1,dive,gte=0,lte=23"`
	Timezone           string    `json:"timezone" validate:"required"`
	CredentialsOpaque  []byte    `json:"credentials_opaque"`
	KnowledgeHandle    string    `json:"knowledge_handle"`
	TemplateName       string    `json:"template_name" validate:"required"`
	Active             bool      `json:"active"`
}

// StatusTransition describes a conditional post-status update. Text is
// only set on the validating->publishing edge, once the final validated
// string is known (spec §3: Post.text is "final validated string").
type StatusTransition struct {
	From           PostStatus
	To             PostStatus
	Text           *string
	ExternalID     *string
	FailureKind    FailureKind
	FailureMessage string
	PublishedAt    *time.Time
}

// CompletionOutcome is what the registry records back to the repository
// after a successful publish (spec §4.4: record_completion).
type CompletionOutcome struct {
	ActedAt  time.Time
	DayKey   string
	LLMCalls int // calls to add to the tenant's daily counter
	Posts    int // posts to add to the tenant's daily counter
}

// Repository is the durable-truth interface the engine core consumes.
// The concrete backend (spec §1) is out of scope for this core; only the
// shape of the interface is.
type Repository interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error)
	UpsertTenant(ctx context.Context, p UpsertTenantParams) (Tenant, error)

	// RecordCompletion atomically bumps last_acted_at and the daily
	// counters (resetting them first if the day_key has rolled over),
	// satisfying spec §3 invariants 2 and 3.
	RecordCompletion(ctx context.Context, tenantID uuid.UUID, outcome CompletionOutcome) error

	InsertPost(ctx context.Context, p Post) error
	// UpdatePostStatus performs a conditional update: it MUST reject a
	// transition whose current stored status does not equal t.From (spec
	// §8 property 4), returning ErrIllegalTransition.
	UpdatePostStatus(ctx context.Context, id uuid.UUID, t StatusTransition) error
	GetPost(ctx context.Context, id uuid.UUID) (Post, error)

	// RecentPublishedTexts returns up to n of the tenant's most recently
	// published post texts, newest first, for the duplication rule
	// (spec §4.8).
	RecentPublishedTexts(ctx context.Context, tenantID uuid.UUID, n int) ([]string, error)
}

// ErrIllegalTransition is returned by UpdatePostStatus when the post's
// current stored status does not match the transition's From field, or
// when From -> To is not a legal edge.
var ErrIllegalTransition = illegalTransitionError{}

type illegalTransitionError struct{}

func (illegalTransitionError) Error() string { return "repository: illegal post status transition" }

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "repository: not found" }
