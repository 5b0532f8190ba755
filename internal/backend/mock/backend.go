package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// Backend satisfies models.Backend for tests and local development.
type Backend struct {
	Name_         string
	LoadModelFunc func(ctx context.Context, name string) (time.Duration, error)
	GenerateFunc  func(ctx context.Context, req models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error)

	mu        sync.Mutex
	loads     []string
	generated []models.GenerateRequest
}

func (b *Backend) Name() string { return b.Name_ }

func (b *Backend) LoadModel(ctx context.Context, name string) (time.Duration, error) {
	b.mu.Lock()
	b.loads = append(b.loads, name)
	b.mu.Unlock()

	if b.LoadModelFunc != nil {
		return b.LoadModelFunc(ctx, name)
	}
	return 0, nil
}

func (b *Backend) Generate(ctx context.Context, req models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
	b.mu.Lock()
	b.generated = append(b.generated, req)
	b.mu.Unlock()

	if b.GenerateFunc != nil {
		return b.GenerateFunc(ctx, req, onChunk)
	}
	return models.GenerateResult{}, nil
}

// Loads returns every model name passed to LoadModel, in call order.
func (b *Backend) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

// Requests returns every request passed to Generate, in call order.
func (b *Backend) Requests() []models.GenerateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.GenerateRequest(nil), b.generated...)
}

// NewBackend returns a Backend that loads instantly and echoes the last user
// message back word by word.
func NewBackend() *Backend {
	return &Backend{
		Name_: "mock",
		LoadModelFunc: func(_ context.Context, _ string) (time.Duration, error) {
			return 5 * time.Millisecond, nil
		},
		GenerateFunc: func(ctx context.Context, req models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
			reply := "Mock response from " + req.Model
			if n := len(req.Messages); n > 0 {
				reply += ": " + req.Messages[n-1].Content
			}
			words := strings.SplitAfter(reply, " ")
			chunks := make([]models.Chunk, len(words))
			for i, w := range words {
				chunks[i] = models.Chunk{Content: w}
			}
			return stream(ctx, chunks, req.Context, onChunk)
		},
	}
}

// NewStreamingBackend returns a Backend that emits chunks in order and then
// completes with the request's context as sources.
func NewStreamingBackend(chunks ...models.Chunk) *Backend {
	b := NewBackend()
	b.GenerateFunc = func(ctx context.Context, req models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
		return stream(ctx, chunks, req.Context, onChunk)
	}
	return b
}

// NewFailingBackend returns a Backend whose generations always fail with err.
func NewFailingBackend(err error) *Backend {
	b := NewBackend()
	b.Name_ = "mock-failing"
	b.GenerateFunc = func(_ context.Context, _ models.GenerateRequest, _ func(models.Chunk) error) (models.GenerateResult, error) {
		return models.GenerateResult{}, err
	}
	return b
}

// NewHangingBackend returns a Backend whose generations emit one chunk and
// then block until the context is cancelled.
func NewHangingBackend() *Backend {
	b := NewBackend()
	b.Name_ = "mock-hanging"
	b.GenerateFunc = func(ctx context.Context, _ models.GenerateRequest, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
		if err := onChunk(models.Chunk{Content: "partial"}); err != nil {
			return models.GenerateResult{}, err
		}
		<-ctx.Done()
		return models.GenerateResult{}, ctx.Err()
	}
	return b
}

func stream(ctx context.Context, chunks []models.Chunk, sources []models.Source, onChunk func(models.Chunk) error) (models.GenerateResult, error) {
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return models.GenerateResult{}, err
		}
		if err := onChunk(c); err != nil {
			return models.GenerateResult{}, err
		}
	}
	return models.GenerateResult{Sources: sources}, nil
}

// Compile-time check that Backend implements models.Backend.
var _ models.Backend = (*Backend)(nil)
