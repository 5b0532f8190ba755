package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// maxLineBytes bounds a single NDJSON line from /api/chat.
const maxLineBytes = 1 << 20

// Provider implements models.Backend against an Ollama server.
type Provider struct {
	cfg        config.OllamaConfig
	httpClient *http.Client
}

// NewProvider creates a Provider. Requests are bounded by their context,
// not by a client timeout, since generations stream for minutes.
func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, httpClient: &http.Client{}}
}

func (p *Provider) Name() string { return "ollama" }

type loadRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

// LoadModel asks Ollama to make name resident. An empty-prompt generate call
// loads the model without producing output.
func (p *Provider) LoadModel(ctx context.Context, name string) (time.Duration, error) {
	start := time.Now()

	resp, err := p.post(ctx, "/api/generate", loadRequest{
		Model:     name,
		Stream:    false,
		KeepAlive: p.keepAlive(),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("%w: %s: status %d: %s", models.ErrModelLoad, name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// Drain so the load is complete before we report it.
	_, _ = io.Copy(io.Discard, resp.Body)

	return time.Since(start), nil
}

type chatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Think     bool          `json:"think,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Generate streams a chat completion. RAG documents are prepended as a system
// message and echoed back as the result's sources.
func (p *Provider) Generate(ctx context.Context, req models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
	resp, err := p.post(ctx, "/api/chat", chatRequest{
		Model:     req.Model,
		Messages:  buildMessages(req),
		Stream:    true,
		KeepAlive: p.keepAlive(),
		Think:     p.cfg.Think,
	})
	if err != nil {
		return models.GenerateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.GenerateResult{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return models.GenerateResult{}, fmt.Errorf("%w: decode chunk: %v", models.ErrInvalidResponse, err)
		}
		if chunk.Error != "" {
			return models.GenerateResult{}, fmt.Errorf("ollama: %s", chunk.Error)
		}

		if chunk.Message.Content != "" || chunk.Message.Thinking != "" {
			if err := onChunk(models.Chunk{Content: chunk.Message.Content, Thinking: chunk.Message.Thinking}); err != nil {
				return models.GenerateResult{}, err
			}
		}

		if chunk.Done {
			return models.GenerateResult{Sources: req.Context}, nil
		}
	}

	if ctx.Err() != nil {
		return models.GenerateResult{}, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return models.GenerateResult{}, fmt.Errorf("read stream: %w", err)
	}
	return models.GenerateResult{}, fmt.Errorf("%w: stream ended before done", models.ErrInvalidResponse)
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	return resp, nil
}

func (p *Provider) keepAlive() string {
	if p.cfg.KeepAlive <= 0 {
		return ""
	}
	return p.cfg.KeepAlive.String()
}

func buildMessages(req models.GenerateRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if len(req.Context) > 0 {
		msgs = append(msgs, chatMessage{Role: "system", Content: contextPrompt(req.Context)})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func contextPrompt(sources []models.Source) string {
	var b strings.Builder
	b.WriteString("Answer using the following documents. Cite them by number.\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n[%d] %s", i+1, s.Title)
		if s.URL != "" {
			fmt.Fprintf(&b, " (%s)", s.URL)
		}
		b.WriteString("\n")
		b.WriteString(s.Snippet)
		b.WriteString("\n")
	}
	return b.String()
}

var _ models.Backend = (*Provider)(nil)
