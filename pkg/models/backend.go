// Package models contains shared data models used across the inferq codebase.
package models

import (
	"context"
	"errors"
	"time"
)

// Backend is the inference engine the worker drives. Exactly one model is
// resident at a time; LoadModel replaces whatever was loaded before.
// Never call a concrete backend directly, always inject this interface.
type Backend interface {
	// LoadModel makes name the resident model and reports how long it took.
	LoadModel(ctx context.Context, name string) (time.Duration, error)
	// Generate streams chunks for req to onChunk. Returning an error from
	// onChunk aborts the generation with that error.
	Generate(ctx context.Context, req GenerateRequest, onChunk func(Chunk) error) (GenerateResult, error)
	// Name returns the backend identifier (e.g., "ollama", "mock").
	Name() string
}

// GenerateRequest is the input to one generation.
type GenerateRequest struct {
	Model    string
	Messages []Message
	Context  []Source // RAG documents; empty for chat jobs
}

// Chunk is one streamed piece of output.
type Chunk struct {
	Content  string
	Thinking string
}

// GenerateResult is returned once the stream ends cleanly.
type GenerateResult struct {
	Sources []Source
}

// Errors a Backend may wrap. The worker records the wrapped message on the job.
var (
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrModelLoad          = errors.New("model load failed")
	ErrInvalidResponse    = errors.New("inference backend returned invalid response")
)
