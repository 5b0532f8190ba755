// Package backend builds the configured inference backend.
package backend

import (
	"fmt"

	"github.com/kiranshivaraju/inferq/internal/backend/mock"
	"github.com/kiranshivaraju/inferq/internal/backend/ollama"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// NewBackend constructs the backend selected by cfg.Provider.
// Called once at server startup.
func NewBackend(cfg config.BackendConfig) (models.Backend, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "mock":
		return mock.NewBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q: must be one of ollama, mock", cfg.Provider)
	}
}
