// Package llmgateway implements the LLM Gateway (C2): a single generate
// primitive over an external OpenAI-compatible completion endpoint, with
// template rendering, retry-with-backoff, and a bounded cache for
// deterministic calls.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/backoff"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// TemplateStore is the subset of the Registry Store the Gateway depends on,
// narrowed so tests can supply a fake without building a full registry.Store.
type TemplateStore interface {
	Template(name string) (registry.PromptTemplate, error)
}

// MetricsRecorder is the narrow metrics surface the Gateway reports to.
// Nil is a valid Client.Metrics value (metrics become a no-op).
type MetricsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordRetry()
}

// Options configures one generate call.
type Options struct {
	// Temperature is sent to the endpoint as given; no default is applied,
	// so the zero value requests temperature 0. Only Temperature == 0
	// makes the call eligible for the result cache.
	Temperature float64
	// MaxOutputBytes truncates the model's response if it would otherwise
	// exceed this size. Zero means no cap.
	MaxOutputBytes int
	// Deadline is the per-call timeout. Zero uses the Client's default.
	Deadline time.Duration
}

// rawResponse is the response shape of the OpenAI-compatible
// /v1/chat/completions endpoint.
type rawResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the LLM Gateway. It holds no per-session state; calls are
// independent and no per-session mutex is ever held across a call.
type Client struct {
	BaseURL string
	Model   string
	Token   string
	Logger  *slog.Logger

	httpClient *http.Client
	templates  TemplateStore
	cache      *lru

	// Metrics receives cache hit/miss and retry counts. May be left nil.
	Metrics MetricsRecorder

	// MaxCalls bounds the number of successful or attempted generations
	// this Client will perform over its lifetime. Zero means unlimited.
	// Once exhausted, Generate returns ErrLLMQuotaExceeded without making
	// a network call.
	MaxCalls int
	calls    int64
}

// New constructs a Client. defaultTimeout is used for calls whose Options
// do not specify a Deadline. cacheCapacity bounds the deterministic-call
// result cache (a sensible default is in the low hundreds).
func New(baseURL, model, token string, defaultTimeout time.Duration, cacheCapacity int, templates TemplateStore, logger *slog.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    baseURL,
		Model:      model,
		Token:      token,
		Logger:     logger,
		httpClient: &http.Client{Timeout: defaultTimeout},
		templates:  templates,
		cache:      newLRU(cacheCapacity),
	}
}

// Generate renders templateName with bindings and calls the completion
// endpoint, returning plain text. The Gateway never interprets the result;
// callers parse it. It never panics. A missing template returns
// ErrTemplateMissing and a template that fails to render returns a plain
// error; every failure of the call itself is one of ErrLLMTimeout,
// ErrLLMRemoteRejected (wrapped with the rejection reason), or
// ErrLLMQuotaExceeded.
func (c *Client) Generate(ctx context.Context, templateName string, bindings map[string]string, opts Options) (string, error) {
	tmpl, err := c.templates.Template(templateName)
	if err != nil {
		return "", err
	}

	rendered, err := renderTemplate(tmpl, bindings)
	if err != nil {
		return "", fmt.Errorf("llmgateway: rendering template %q: %w", templateName, err)
	}

	cacheable := opts.Temperature == 0
	var key string
	if cacheable {
		key = cacheKey(templateName, bindings)
		if cached, ok := c.cache.get(key); ok {
			if c.Metrics != nil {
				c.Metrics.RecordCacheHit()
			}
			return cached, nil
		}
		if c.Metrics != nil {
			c.Metrics.RecordCacheMiss()
		}
	}

	if c.MaxCalls > 0 && atomic.AddInt64(&c.calls, 1) > int64(c.MaxCalls) {
		return "", cmderrors.ErrLLMQuotaExceeded
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = c.httpClient.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := backoff.Retry(callCtx, backoff.DefaultPolicy(), 3, isRetryable, func(attempt int) (string, error) {
		return c.call(callCtx, rendered, opts)
	})
	if c.Metrics != nil {
		for i := 1; i < result.Attempts; i++ {
			c.Metrics.RecordRetry()
		}
	}
	if err != nil {
		return "", classifyCallError(err)
	}

	if opts.MaxOutputBytes > 0 && len(result.Value) > opts.MaxOutputBytes {
		result.Value = result.Value[:opts.MaxOutputBytes]
	}

	if cacheable {
		c.cache.put(key, result.Value)
	}

	return result.Value, nil
}

func renderTemplate(tmpl registry.PromptTemplate, bindings map[string]string) (string, error) {
	t, err := template.New(tmpl.Name).Parse(tmpl.Body)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, bindings); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

// call performs a single HTTP round trip to the completion endpoint. A
// transport failure returns ErrLLMTimeout when ctx is done and
// ErrLLMUnavailable otherwise; HTTP outcomes return the matching sentinel
// CmdError. Marshalling, request-building, body-read and decode failures
// return plain errors, which isRetryable retries and classifyCallError
// reports as ErrLLMTimeout.
func (c *Client) call(ctx context.Context, prompt string, opts Options) (string, error) {
	reqBody := chatRequest{
		Model:       c.Model,
		Messages:    []message{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		Stream:      false,
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llmgateway: marshalling request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("llmgateway: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", cmderrors.Wrap(cmderrors.ErrLLMTimeout, err)
		}
		return "", cmderrors.Wrap(cmderrors.ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmgateway: reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", cmderrors.ErrLLMQuotaExceeded
	case resp.StatusCode >= 500:
		return "", cmderrors.Wrap(cmderrors.ErrLLMUnavailable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode >= 400:
		return "", cmderrors.Wrap(cmderrors.ErrLLMRemoteRejected, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("llmgateway: unmarshalling response: %w", err)
	}
	if len(raw.Choices) == 0 {
		return "", cmderrors.Wrap(cmderrors.ErrLLMRemoteRejected, fmt.Errorf("completion endpoint returned no choices"))
	}

	return raw.Choices[0].Message.Content, nil
}

// isRetryable reports whether err represents a condition worth retrying:
// transient network failures and 5xx/unavailable responses. RemoteRejected
// (a genuine 4xx) and QuotaExceeded are never retried.
func isRetryable(err error) bool {
	return cmderrors.CodeOf(err) == cmderrors.ErrLLMUnavailable.Code || cmderrors.CodeOf(err) == ""
}

// classifyCallError maps the terminal error from the retry loop onto the
// four contractual outcomes: Timeout, RemoteRejected, QuotaExceeded, or
// (if none of those) a wrapped Unavailable treated as Timeout by callers
// checking IsTransientLLM.
func classifyCallError(err error) error {
	if err == nil {
		return nil
	}
	switch cmderrors.CodeOf(err) {
	case cmderrors.ErrLLMRemoteRejected.Code, cmderrors.ErrLLMQuotaExceeded.Code, cmderrors.ErrLLMTimeout.Code:
		return err
	case cmderrors.ErrLLMUnavailable.Code:
		return cmderrors.Wrap(cmderrors.ErrLLMTimeout, err)
	default:
		if err == context.DeadlineExceeded || err == context.Canceled {
			return cmderrors.Wrap(cmderrors.ErrLLMTimeout, err)
		}
		return cmderrors.Wrap(cmderrors.ErrLLMTimeout, err)
	}
}
