// Package knowledge declares the optional knowledge-fetch driver
// consumed by the Generation Pipeline to enrich a tenant's prompt
// variables with external context (spec §9 supplemented feature: a
// tenant's knowledge_handle selects its own source, if any). Fetch
// failures are always non-fatal: the pipeline proceeds without the
// enrichment rather than failing the job.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nightrelay/postengine/internal/postengineerr"
)

// Driver fetches supplementary context for a tenant's knowledge_handle.
// An empty handle means the tenant has no knowledge source configured;
// callers should skip the call entirely rather than invoke Driver with "".
type Driver interface {
	Fetch(ctx context.Context, handle string) (map[string]string, error)
}

// HTTP is a Driver backed by an HTTP knowledge-base API. A handle is
// resolved to a JSON object of variable-name -> text snippets.
type HTTP struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates an HTTP-backed Driver with the given per-call timeout.
func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTP {
	return &HTTP{baseURL: baseURL, apiKey: apiKey, httpClient: &http.Client{Timeout: timeout}}
}

// Fetch implements Driver.
func (h *HTTP) Fetch(ctx context.Context, handle string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/knowledge/"+handle, nil)
	if err != nil {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "knowledge", fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("X-API-Key", h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, postengineerr.New(postengineerr.KindTransient, "knowledge", fmt.Errorf("calling knowledge API: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "knowledge", fmt.Errorf("knowledge handle %q not found", handle))
	}
	if resp.StatusCode >= 500 {
		return nil, postengineerr.New(postengineerr.KindTransient, "knowledge", fmt.Errorf("knowledge API returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "knowledge", fmt.Errorf("knowledge API returned HTTP %d", resp.StatusCode))
	}

	var vars map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&vars); err != nil {
		return nil, postengineerr.New(postengineerr.KindTransient, "knowledge", fmt.Errorf("decoding knowledge response: %w", err))
	}
	return vars, nil
}

var _ Driver = (*HTTP)(nil)
