package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Repository used by tests and the fake-driven
// end-to-end scenarios. It reproduces the Postgres implementation's
// conditional-update semantics exactly, including rejecting a stale
// UpdatePostStatus under a guarding mutex rather than a SQL WHERE clause.
type Memory struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]Tenant
	posts   map[uuid.UUID]Post
	nowFn   func() time.Time
}

// NewMemory creates an empty in-memory Repository. nowFn defaults to
// time.Now if nil.
func NewMemory(nowFn func() time.Time) *Memory {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Memory{
		tenants: make(map[uuid.UUID]Tenant),
		posts:   make(map[uuid.UUID]Post),
		nowFn:   nowFn,
	}
}

func (m *Memory) ListTenants(ctx context.Context) ([]Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) UpsertTenant(ctx context.Context, p UpsertTenantParams) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	existing, existed := m.tenants[p.ID]

	t := Tenant{
		ID:                 p.ID,
		DisplayName:        p.DisplayName,
		PersonaPrompt:      p.PersonaPrompt,
		PostingWindowHours: p.PostingWindowHours,
		Timezone:           p.Timezone,
		CredentialsOpaque:  p.CredentialsOpaque,
		KnowledgeHandle:    p.KnowledgeHandle,
		TemplateName:       p.TemplateName,
		Active:             p.Active,
		UpdatedAt:          now,
	}
	if existed {
		t.LastActedAt = existing.LastActedAt
		t.DailyLLMCalls = existing.DailyLLMCalls
		t.DailyPosts = existing.DailyPosts
		t.DailyCounterDayKey = existing.DailyCounterDayKey
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}

	m.tenants[p.ID] = t
	return t, nil
}

func (m *Memory) RecordCompletion(ctx context.Context, tenantID uuid.UUID, outcome CompletionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}

	if t.DailyCounterDayKey == outcome.DayKey {
		t.DailyLLMCalls += outcome.LLMCalls
		t.DailyPosts += outcome.Posts
	} else {
		t.DailyCounterDayKey = outcome.DayKey
		t.DailyLLMCalls = outcome.LLMCalls
		t.DailyPosts = outcome.Posts
	}
	acted := outcome.ActedAt
	t.LastActedAt = &acted
	t.UpdatedAt = m.nowFn()

	m.tenants[tenantID] = t
	return nil
}

func (m *Memory) InsertPost(ctx context.Context, post Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.posts[post.ID] = post
	return nil
}

func (m *Memory) UpdatePostStatus(ctx context.Context, id uuid.UUID, t StatusTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	post, ok := m.posts[id]
	if !ok || post.Status != t.From || !ValidTransition(t.From, t.To) {
		return ErrIllegalTransition
	}

	post.Status = t.To
	if t.Text != nil {
		post.Text = *t.Text
	}
	if t.ExternalID != nil {
		post.ExternalID = t.ExternalID
	}
	post.FailureKind = t.FailureKind
	post.FailureMessage = t.FailureMessage
	if t.PublishedAt != nil {
		post.PublishedAt = t.PublishedAt
	}

	m.posts[id] = post
	return nil
}

func (m *Memory) GetPost(ctx context.Context, id uuid.UUID) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) RecentPublishedTexts(ctx context.Context, tenantID uuid.UUID, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Post
	for _, p := range m.posts {
		if p.TenantID == tenantID && p.Status == PostPublished {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		ti, tj := matches[i].PublishedAt, matches[j].PublishedAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})

	if n > len(matches) {
		n = len(matches)
	}
	texts := make([]string, 0, n)
	for _, p := range matches[:n] {
		texts = append(texts, p.Text)
	}
	return texts, nil
}

var _ Repository = (*Memory)(nil)
