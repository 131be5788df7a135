// Package pipeline implements the Generation Pipeline (spec §4.9): the
// per-work-item orchestration of admission, rendering, caching,
// generation, validation, and publishing, with each step's recovery
// branch driven by the step's returned error Kind.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nightrelay/postengine/internal/cache"
	"github.com/nightrelay/postengine/internal/clock"
	"github.com/nightrelay/postengine/internal/postengineerr"
	"github.com/nightrelay/postengine/internal/prompt"
	"github.com/nightrelay/postengine/internal/ratelimit"
	"github.com/nightrelay/postengine/internal/tenant"
	"github.com/nightrelay/postengine/internal/telemetry"
	"github.com/nightrelay/postengine/internal/validate"
	"github.com/nightrelay/postengine/pkg/knowledge"
	"github.com/nightrelay/postengine/pkg/llm"
	"github.com/nightrelay/postengine/pkg/posting"
	"github.com/nightrelay/postengine/pkg/repository"
)

// Config bounds pipeline-wide behavior with the spec §6 configuration
// surface relevant to a single job.
type Config struct {
	LLMTimeout       time.Duration
	PostTimeout      time.Duration
	PostParkMax      time.Duration
	PostMaxLen       int
	DupWindow        int
	ClientDailyLLM   int
	ClientDailyPosts int
	ClientLLMPerSec  int
	GlobalDailyLLM   int
	SafetyThreshold  float64
}

// Pipeline wires every collaborator a work item needs.
type Pipeline struct {
	repo       repository.Repository
	registry   *tenant.Registry
	coord      *ratelimit.Coordinator
	cache      *cache.Cache
	templates  *prompt.Set
	llmDriver  llm.Driver
	posting    posting.Driver
	knowledge  knowledge.Driver
	classifier validate.Classifier
	clk        clock.Clock
	logger     *slog.Logger
	cfg        Config
}

// New creates a Pipeline. knowledgeDriver and classifier may be nil: a nil
// knowledgeDriver means no tenant ever has a knowledge_handle resolved; a
// nil classifier means the content-safety rule always passes.
func New(
	repo repository.Repository,
	registry *tenant.Registry,
	coord *ratelimit.Coordinator,
	c *cache.Cache,
	templates *prompt.Set,
	llmDriver llm.Driver,
	postingDriver posting.Driver,
	knowledgeDriver knowledge.Driver,
	classifier validate.Classifier,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repo: repo, registry: registry, coord: coord, cache: c, templates: templates,
		llmDriver: llmDriver, posting: postingDriver, knowledge: knowledgeDriver,
		classifier: classifier, clk: clk, logger: logger, cfg: cfg,
	}
}

// Job is one tenant-scoped unit of work: render a prompt from
// templateName and vars, generate, validate, and publish.
type Job struct {
	Tenant       tenant.Snapshot
	TemplateName string
	Vars         map[string]string
}

// Run executes the full spec §4.9 flow for one job and returns the
// resulting post id and its Outcome, or an error if the job could not
// even be started (template lookup failure). Terminal outcomes
// (validation failure, quota parking timeout, transient exhaustion) are
// recorded on the post record itself, not returned as Go errors: callers
// should inspect the stored post via repo.GetPost for those. A Deferred
// Outcome means the caller should re-enqueue the same tenant after
// Outcome.Defer elapses (spec §4.9 step 2).
func (p *Pipeline) Run(ctx context.Context, job Job) (uuid.UUID, Outcome, error) {
	tmpl, ok := p.templates.Get(job.TemplateName)
	if !ok {
		return uuid.UUID{}, Outcome{}, fmt.Errorf("unknown template %q", job.TemplateName)
	}

	postID := uuid.New()
	now := p.clk.NowWall()
	post := repository.Post{ID: postID, TenantID: job.Tenant.ID, Status: repository.PostPending, CreatedAt: now}
	if err := p.repo.InsertPost(ctx, post); err != nil {
		return uuid.UUID{}, Outcome{}, fmt.Errorf("inserting post: %w", err)
	}

	outcome := p.runSteps(ctx, job, tmpl, postID)
	return postID, outcome, nil
}

// Outcome is what a work item resolved to. Deferred means no record
// transition occurred (spec §4.9 step 2: "No record transition") and the
// caller should re-enqueue the tenant after Defer elapses.
type Outcome struct {
	Deferred bool
	Defer    time.Duration
}

func (p *Pipeline) runSteps(ctx context.Context, job Job, tmpl prompt.Template, postID uuid.UUID) Outcome {
	start := time.Now()
	step := "render"
	observeStep := func(next string) {
		telemetry.PipelineStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
		step, start = next, time.Now()
	}
	defer func() { observeStep("") }()

	// Step 2: LLM admission, evaluated before any status transition so a
	// defer leaves the record untouched in pending.
	llmReqs := ratelimit.LLMRequests(job.Tenant.ID.String(), p.cfg.ClientLLMPerSec, p.cfg.ClientDailyLLM, p.cfg.GlobalDailyLLM)
	decision, err := p.coord.Admit(ctx, llmReqs)
	if err != nil {
		p.fail(ctx, postID, repository.FailureTransient, err.Error())
		return Outcome{}
	}
	if !decision.Admitted {
		telemetry.JobsTotal.WithLabelValues("deferred").Inc()
		return Outcome{Deferred: true, Defer: decision.Defer}
	}

	// Render and the LLM call both still run with the record in pending:
	// pending has its own failure edge to failed, and a RateLimited
	// response from the driver must leave the record untouched (spec §4.9
	// step 2's "no record transition" rule extends to step 6's retry
	// loop, scenario S5). The generating transition only fires once text
	// actually comes back.
	vars := job.Vars
	if job.Tenant.KnowledgeHandle != "" && p.knowledge != nil {
		if extra, err := p.knowledge.Fetch(ctx, job.Tenant.KnowledgeHandle); err != nil {
			p.logger.Warn("knowledge fetch failed, proceeding without enrichment", "tenant", job.Tenant.ID, "error", err)
		} else {
			vars = mergeVars(vars, extra)
		}
	}

	rendered, err := prompt.Render(tmpl, job.Tenant.PersonaPrompt, vars, p.cfg.PostMaxLen)
	if err != nil {
		p.fail(ctx, postID, kindToFailure(postengineerr.KindOf(err)), err.Error())
		return Outcome{}
	}

	observeStep("generate")
	text, tokenUsage, err := p.generate(ctx, rendered)
	if err != nil {
		if ke, ok := postengineerr.As(err); ok && ke.Kind == postengineerr.KindRateLimited {
			// The driver's retry_after is transient-but-specific: extend
			// the tenant's llm:sec bucket by it so Admit won't re-dispatch
			// this tenant before the driver is actually willing to accept
			// another call, then defer without touching the post record
			// (spec §4.9 step 6, §7, scenario S5: record stays pending).
			if extErr := p.coord.ExtendLLMRetryAfter(ctx, job.Tenant.ID.String(), p.cfg.ClientLLMPerSec, ke.RetryAfter); extErr != nil {
				p.logger.Warn("extending llm:sec bucket retry-after failed", "tenant", job.Tenant.ID, "error", extErr)
			}
			telemetry.JobsTotal.WithLabelValues("deferred").Inc()
			return Outcome{Deferred: true, Defer: ke.RetryAfter}
		}
		p.fail(ctx, postID, kindToFailure(postengineerr.KindOf(err)), err.Error())
		return Outcome{}
	}
	telemetry.LLMTokensTotal.WithLabelValues("total").Add(float64(tokenUsage))

	if !p.transition(ctx, postID, repository.PostPending, repository.PostGenerating, "", "") {
		return Outcome{}
	}
	if !p.transition(ctx, postID, repository.PostGenerating, repository.PostValidating, "", "") {
		return Outcome{}
	}

	observeStep("validate")
	recent, err := p.repo.RecentPublishedTexts(ctx, job.Tenant.ID, p.cfg.DupWindow)
	if err != nil {
		p.fail(ctx, postID, repository.FailureTransient, err.Error())
		return Outcome{}
	}
	chain := validate.NewChain(p.cfg.PostMaxLen, p.classifier, p.cfg.SafetyThreshold, recent)
	results, err := chain.Run(ctx, text)
	if err != nil {
		p.fail(ctx, postID, repository.FailureTransient, err.Error())
		return Outcome{}
	}
	if failure, failed := validate.Failed(results); failed {
		p.fail(ctx, postID, repository.FailureValidation, failure.Reason)
		return Outcome{}
	}

	if err := p.repo.UpdatePostStatus(ctx, postID, repository.StatusTransition{
		From: repository.PostValidating, To: repository.PostPublishing, Text: &text,
	}); err != nil {
		p.logger.Error("status transition rejected", "post", postID, "from", repository.PostValidating, "to", repository.PostPublishing, "error", err)
		return Outcome{}
	}

	observeStep("publish")
	if !p.admitAndPublish(ctx, job, postID, text) {
		return Outcome{}
	}

	telemetry.JobsTotal.WithLabelValues("published").Inc()
	return Outcome{}
}

// admitAndPublish handles spec §4.9 steps 8-11: post:day admission with
// parking up to PostParkMax, the publish call with retries, and the final
// transition to published (or failed).
func (p *Pipeline) admitAndPublish(ctx context.Context, job Job, postID uuid.UUID, text string) bool {
	deadline := p.clk.NowMono().Add(p.cfg.PostParkMax)
	for {
		reqs := ratelimit.PostRequests(job.Tenant.ID.String(), p.cfg.ClientDailyPosts)
		decision, err := p.coord.Admit(ctx, reqs)
		if err != nil {
			p.fail(ctx, postID, repository.FailureTransient, err.Error())
			return false
		}
		if decision.Admitted {
			break
		}
		if p.clk.NowMono().After(deadline) {
			p.fail(ctx, postID, repository.FailureQuotaExceeded, "parked post:day admission exceeded POST_PARK_MAX")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(decision.Defer):
		}
	}

	// At-most-once publish (spec §8 property 5): if a prior attempt already
	// yielded an external_id, this post already reached publishing once —
	// re-check the stored record rather than calling the driver again.
	current, err := p.repo.GetPost(ctx, postID)
	if err != nil {
		p.fail(ctx, postID, repository.FailureTransient, err.Error())
		return false
	}
	if current.ExternalID != nil {
		return p.finishPublished(ctx, job, postID, *current.ExternalID)
	}

	result, err := p.publishWithRetry(ctx, job.Tenant.CredentialsOpaque, text)
	if err != nil {
		p.fail(ctx, postID, kindToFailure(postengineerr.KindOf(err)), err.Error())
		return false
	}
	return p.finishPublished(ctx, job, postID, result.ExternalID)
}

func (p *Pipeline) finishPublished(ctx context.Context, job Job, postID uuid.UUID, externalID string) bool {
	publishedAt := p.clk.NowWall()
	err := p.repo.UpdatePostStatus(ctx, postID, repository.StatusTransition{
		From: repository.PostPublishing, To: repository.PostPublished,
		ExternalID: &externalID, PublishedAt: &publishedAt,
	})
	if err != nil {
		p.logger.Error("publishing succeeded but status transition failed", "post", postID, "error", err)
		return false
	}

	_, dayKey, _ := clock.Local(job.Tenant.Timezone, publishedAt)
	p.registry.RecordCompletion(job.Tenant.ID, repository.CompletionOutcome{ActedAt: publishedAt, DayKey: dayKey, LLMCalls: 1, Posts: 1})
	return true
}

func (p *Pipeline) publishWithRetry(ctx context.Context, credentials []byte, text string) (posting.Result, error) {
	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PostTimeout)
	defer cancel()

	return backoff.Retry(publishCtx, func() (posting.Result, error) {
		result, err := p.posting.Publish(publishCtx, credentials, text)
		if err != nil {
			if isRetryableKind(err) {
				return posting.Result{}, err // retried
			}
			return posting.Result{}, backoff.Permanent(err)
		}
		return result, nil
	}, backoff.WithBackOff(retrySchedule()), backoff.WithMaxTries(retryAttempts))
}

// retryAttempts and retrySchedule configure the step 6/9 retry loop per
// spec §4.9: up to 3 attempts, backoff min(30s, 2^n).
const retryAttempts = 3

func retrySchedule() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithRandomizationFactor(0),
	)
}

func (p *Pipeline) generate(ctx context.Context, rendered prompt.Rendered) (string, int, error) {
	embedding, err := p.safeEmbed(ctx, rendered.Text)
	if err != nil {
		p.logger.Warn("embedding call failed, semantic cache fallback disabled for this request", "error", err)
	}

	result, err := p.cache.GetOrGenerate(ctx, rendered.Hash, embedding, func(ctx context.Context) (string, int, error) {
		completion, err := backoff.Retry(ctx, func() (llm.Completion, error) {
			// Each attempt gets its own LLM_TIMEOUT; the backoff waits
			// between attempts are not charged against it.
			genCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
			defer cancel()
			c, err := p.llmDriver.Complete(genCtx, rendered.Text, llm.Params{MaxTokens: 256, Temperature: 0.7})
			if err != nil {
				// RateLimited is deliberately not retried inline: it's
				// handled one level up (runSteps), which extends the
				// llm:sec bucket and defers the whole job instead of
				// burning attempts against a driver that already asked
				// for a specific wait.
				if postengineerr.KindOf(err) == postengineerr.KindTransient {
					return llm.Completion{}, err
				}
				return llm.Completion{}, backoff.Permanent(err)
			}
			return c, nil
		}, backoff.WithBackOff(retrySchedule()), backoff.WithMaxTries(retryAttempts))
		if err != nil {
			return "", 0, err
		}
		telemetry.LLMCallsTotal.WithLabelValues("ok").Inc()
		return completion.Text, completion.TokenUsage, nil
	})
	if err != nil {
		telemetry.LLMCallsTotal.WithLabelValues("error").Inc()
		return "", 0, err
	}

	if result.Hit {
		telemetry.CacheResultsTotal.WithLabelValues("hit").Inc()
	} else {
		telemetry.CacheResultsTotal.WithLabelValues("miss").Inc()
	}
	return result.Entry.Text, result.Entry.TokenUsage, nil
}

func (p *Pipeline) safeEmbed(ctx context.Context, text string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()
	return p.llmDriver.Embed(embedCtx, text)
}

func (p *Pipeline) transition(ctx context.Context, postID uuid.UUID, from, to repository.PostStatus, failureKind repository.FailureKind, failureMessage string) bool {
	err := p.repo.UpdatePostStatus(ctx, postID, repository.StatusTransition{From: from, To: to, FailureKind: failureKind, FailureMessage: failureMessage})
	if err != nil {
		p.logger.Error("status transition rejected", "post", postID, "from", from, "to", to, "error", err)
		return false
	}
	return true
}

func (p *Pipeline) fail(ctx context.Context, postID uuid.UUID, kind repository.FailureKind, message string) {
	current, err := p.repo.GetPost(ctx, postID)
	if err != nil {
		p.logger.Error("failing post: could not load current status", "post", postID, "error", err)
		return
	}
	if current.Status == repository.PostPublished || current.Status == repository.PostFailed {
		return
	}
	if err := p.repo.UpdatePostStatus(ctx, postID, repository.StatusTransition{
		From: current.Status, To: repository.PostFailed, FailureKind: kind, FailureMessage: message,
	}); err != nil {
		p.logger.Error("failing post: transition rejected", "post", postID, "error", err)
		return
	}
	telemetry.JobsTotal.WithLabelValues("failed").Inc()
}

func mergeVars(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// isRetryableKind reports whether err should be retried by publishWithRetry's
// backoff loop. Both plain Transient errors and RateLimited ones are
// retryable here: unlike the LLM driver, the posting driver has no bucket
// the pipeline can extend by a signaled retry-after, so a rate-limited
// publish just retries in place.
func isRetryableKind(err error) bool {
	ke, ok := postengineerr.As(err)
	if !ok {
		return false
	}
	return ke.Kind == postengineerr.KindTransient || ke.Kind == postengineerr.KindRateLimited
}

func kindToFailure(kind postengineerr.Kind) repository.FailureKind {
	switch kind {
	case postengineerr.KindValidation:
		return repository.FailureValidation
	case postengineerr.KindConfiguration:
		return repository.FailureConfiguration
	case postengineerr.KindQuota:
		return repository.FailureQuotaExceeded
	default:
		return repository.FailureTransient
	}
}
