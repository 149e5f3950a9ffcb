package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/metrics"
	"github.com/runforge/agentrunner/pkg/version"
)

const (
	// DefaultBaseURL is the default Ollama API endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultHeartbeatInterval is how often LLM_HEARTBEAT is emitted while
	// a generate call is in flight.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultTimeout bounds a generate call when the request carries none.
	DefaultTimeout = 300 * time.Second
)

// OllamaProvider implements Provider over the Ollama HTTP API
// (POST /api/chat with stream:false, GET /api/tags).
type OllamaProvider struct {
	baseURL           string
	heartbeatInterval time.Duration
	defaultTimeout    time.Duration
	httpClient        *http.Client
}

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		if d > 0 {
			p.heartbeatInterval = d
		}
	}
}

// WithDefaultTimeout overrides the default generate timeout.
func WithDefaultTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// WithHTTPClient substitutes the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		p.httpClient = c
	}
}

// NewOllamaProvider creates a provider against the given base URL.
// An empty baseURL falls back to DefaultBaseURL.
func NewOllamaProvider(baseURL string, opts ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &OllamaProvider{
		baseURL:           baseURL,
		heartbeatInterval: DefaultHeartbeatInterval,
		defaultTimeout:    DefaultTimeout,
		// Per-call deadlines come from the request context; the client
		// itself carries no timeout.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate sends one chat completion request. See Provider for the
// heartbeat and cancellation contract.
func (p *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	emit := func(eventType, errMsg string) {
		if req.OnEvent == nil {
			return
		}
		req.OnEvent(Event{
			Type:           eventType,
			Model:          req.Model,
			ElapsedSeconds: time.Since(start).Seconds(),
			Err:            errMsg,
		})
	}

	emit(events.TypeLLMLoadingModel, "")
	emit(events.TypeLLMGenerating, "")

	interval := req.HeartbeatInterval
	if interval <= 0 {
		interval = p.heartbeatInterval
	}
	stopHeartbeat := p.startHeartbeat(callCtx, interval, emit)

	text, err := p.chat(callCtx, req.Model, req.Prompt)

	// Heartbeats stop, and the goroutine is drained, before the terminal
	// event goes out: no LLM_HEARTBEAT is ever ordered after LLM_DONE.
	stopHeartbeat()
	metrics.LLMRequestSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		err = p.classify(ctx, callCtx, err, timeout)
		emit(events.TypeLLMDone, err.Error())
		return "", err
	}

	emit(events.TypeLLMDone, "")
	return text, nil
}

// startHeartbeat emits LLM_HEARTBEAT every interval until the returned stop
// function is called. Stop blocks until the goroutine exits.
func (p *OllamaProvider) startHeartbeat(ctx context.Context, interval time.Duration, emit func(eventType, errMsg string)) (stop func()) {
	stopCh := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit(events.TypeLLMHeartbeat, "")
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
		<-done
	}
}

// classify maps a transport error to the contract's error kinds. callCtx
// expiry with a live parent means the per-call timeout fired; a dead parent
// means the caller cancelled.
func (p *OllamaProvider) classify(parentCtx, callCtx context.Context, err error, timeout time.Duration) error {
	switch {
	case parentCtx.Err() != nil:
		return fmt.Errorf("generation cancelled: %w", context.Canceled)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("generation timed out after %s: %w", timeout, context.DeadlineExceeded)
	default:
		return &BackendError{Message: err.Error(), Cause: err}
	}
}

// Models lists the models installed on the Ollama server via GET /api/tags.
func (p *OllamaProvider) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", version.Full())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Message: err.Error(), Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &BackendError{Message: fmt.Sprintf("tags returned status %d: %s", resp.StatusCode, body)}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &BackendError{Message: "failed to parse tags response: " + err.Error(), Cause: err}
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// chat performs the POST /api/chat round trip.
func (p *OllamaProvider) chat(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: []ollamaChatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.Full())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chat returned status %d: %s", resp.StatusCode, respBody)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to parse chat response: %w", err)
	}
	return chatResp.Message.Content, nil
}

// ollamaChatRequest is the body of POST /api/chat.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse is the body of a non-streaming chat completion.
type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	TotalDuration   int64             `json:"total_duration"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// ollamaTagsResponse is the body of GET /api/tags.
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
