// Package posting declares the posting-backend driver interface consumed
// by the Generation Pipeline (spec §6), a Slack-backed concrete
// implementation, and an in-memory Fake for tests.
package posting

import (
	"context"
	"encoding/json"
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/nightrelay/postengine/internal/postengineerr"
)

// Result is the outcome of a successful Publish.
type Result struct {
	ExternalID string
}

// Driver is the narrow interface the pipeline depends on. Errors are
// always a *postengineerr.KindError; a driver-side duplicate-content
// rejection surfaces as KindValidation so the pipeline treats it like any
// other terminal content failure.
type Driver interface {
	Publish(ctx context.Context, credentials []byte, text string) (Result, error)
	Delete(ctx context.Context, credentials []byte, externalID string) error
}

// SlackCredentials is the opaque per-tenant credentials blob's decoded
// shape: a bot token scoped to the channel the tenant posts into.
type SlackCredentials struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Slack is a Driver backed by the Slack Web API: publish maps to
// chat.postMessage, delete to chat.delete. Each tenant's credentials
// select their own bot token and channel, so one engine deployment can
// post as many distinct tenants.
type Slack struct{}

// NewSlack creates a Slack-backed Driver.
func NewSlack() *Slack { return &Slack{} }

func decodeCredentials(raw []byte) (SlackCredentials, error) {
	var creds SlackCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return SlackCredentials{}, postengineerr.New(postengineerr.KindConfiguration, "posting", fmt.Errorf("decoding tenant credentials: %w", err))
	}
	if creds.BotToken == "" || creds.Channel == "" {
		return SlackCredentials{}, postengineerr.New(postengineerr.KindConfiguration, "posting", fmt.Errorf("tenant credentials missing bot_token or channel"))
	}
	return creds, nil
}

// Publish implements Driver.
func (s *Slack) Publish(ctx context.Context, credentials []byte, text string) (Result, error) {
	creds, err := decodeCredentials(credentials)
	if err != nil {
		return Result{}, err
	}

	client := goslack.New(creds.BotToken)
	_, ts, err := client.PostMessageContext(ctx, creds.Channel, goslack.MsgOptionText(text, false))
	if err != nil {
		if isRetryable(err) {
			return Result{}, postengineerr.New(postengineerr.KindTransient, "posting", fmt.Errorf("publishing post: %w", err))
		}
		return Result{}, postengineerr.New(postengineerr.KindValidation, "posting", fmt.Errorf("publishing post: %w", err))
	}
	return Result{ExternalID: ts}, nil
}

// Delete implements Driver.
func (s *Slack) Delete(ctx context.Context, credentials []byte, externalID string) error {
	creds, err := decodeCredentials(credentials)
	if err != nil {
		return err
	}

	client := goslack.New(creds.BotToken)
	if _, _, err := client.DeleteMessageContext(ctx, creds.Channel, externalID); err != nil {
		if isRetryable(err) {
			return postengineerr.New(postengineerr.KindTransient, "posting", fmt.Errorf("deleting post: %w", err))
		}
		return postengineerr.New(postengineerr.KindValidation, "posting", fmt.Errorf("deleting post: %w", err))
	}
	return nil
}

// isRetryable classifies Slack's rate-limited error as transient; every
// other API error (bad auth, channel not found, message not found) is
// treated as non-retryable content/configuration failure.
func isRetryable(err error) bool {
	_, ok := err.(*goslack.RateLimitedError)
	return ok
}

var _ Driver = (*Slack)(nil)
