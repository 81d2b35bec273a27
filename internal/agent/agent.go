// Package agent ends conversations held by the external voice agent.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single request to the agent API.
const DefaultTimeout = 10 * time.Second

// Session is a live conversation with the voice agent.
type Session interface {
	ID() string
	End(ctx context.Context) error
}

// Ender creates sessions for conversation ids.
type Ender interface {
	Session(conversationID string) Session
}

// Config holds agent API settings
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to the agent's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates an agent API client. An empty base URL is rejected;
// use Nop when no agent endpoint is configured.
func NewHTTPClient(config Config, logger zerolog.Logger) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid agent base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Session returns a handle for conversationID.
func (c *HTTPClient) Session(conversationID string) Session {
	return &httpSession{client: c, id: conversationID}
}

// EndConversation asks the agent to hang up conversationID.
func (c *HTTPClient) EndConversation(ctx context.Context, conversationID string) error {
	endpoint := fmt.Sprintf("%s/conversations/%s/end", c.baseURL, url.PathEscape(conversationID))

	body, err := json.Marshal(map[string]string{"reason": "ended_by_service"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	defer resp.Body.Close()

	// Already-ended conversations are not an error.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		c.logger.Debug().Str("conversation_id", conversationID).Int("status", resp.StatusCode).Msg("Conversation already ended")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug().Str("conversation_id", conversationID).Msg("Conversation ended")
	return nil
}

type httpSession struct {
	client *HTTPClient
	id     string
}

func (s *httpSession) ID() string { return s.id }

func (s *httpSession) End(ctx context.Context) error {
	return s.client.EndConversation(ctx, s.id)
}

// Nop hands out sessions whose End does nothing.
type Nop struct{}

// Session returns a no-op session for conversationID.
func (Nop) Session(conversationID string) Session {
	return nopSession(conversationID)
}

type nopSession string

func (s nopSession) ID() string { return string(s) }
func (nopSession) End(ctx context.Context) error { return nil }
