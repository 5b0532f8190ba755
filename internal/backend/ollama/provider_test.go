package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/backend/ollama"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(url string) *ollama.Provider {
	return ollama.NewProvider(config.OllamaConfig{
		BaseURL:      url,
		DefaultModel: "llama3",
		KeepAlive:    30 * time.Minute,
	})
}

func collect(chunks *[]models.Chunk) func(models.Chunk) error {
	return func(c models.Chunk) error {
		*chunks = append(*chunks, c)
		return nil
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "ollama", newProvider("http://localhost:11434").Name())
}

func TestLoadModel_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model":"qwen3","response":"","done":true,"done_reason":"load"}`))
	}))
	defer srv.Close()

	d, err := newProvider(srv.URL).LoadModel(context.Background(), "qwen3")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Equal(t, "qwen3", got["model"])
	assert.Equal(t, "", got["prompt"])
	assert.Equal(t, "30m0s", got["keep_alive"])
	assert.Equal(t, false, got["stream"])
}

func TestLoadModel_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).LoadModel(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrModelLoad)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadModel_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newProvider(url).LoadModel(context.Background(), "llama3")
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestGenerate_StreamsContentAndThinking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])

		lines := []string{
			`{"message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`,
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			``,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	var chunks []models.Chunk
	res, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{
		Model:    "llama3",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	}, collect(&chunks))
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Equal(t, []models.Chunk{
		{Thinking: "hmm"},
		{Content: "Hel"},
		{Content: "lo"},
	}, chunks)
}

func TestGenerate_RAGContextBecomesSystemMessageAndSources(t *testing.T) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprintln(w, `{"message":{"content":"See [1]."},"done":true}`)
	}))
	defer srv.Close()

	sources := []models.Source{{DocumentID: "d1", Title: "Leave policy", Snippet: "25 days per year"}}
	res, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{
		Model:    "llama3",
		Messages: []models.Message{{Role: "user", Content: "How much leave?"}},
		Context:  sources,
	}, func(models.Chunk) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, sources, res.Sources)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Leave policy")
	assert.Contains(t, req.Messages[0].Content, "25 days per year")
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestGenerate_ErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"CUDA out of memory"}`)
	}))
	defer srv.Close()

	var chunks []models.Chunk
	_, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{Model: "llama3"}, collect(&chunks))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Len(t, chunks, 1)
}

func TestGenerate_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{Model: "llama3"}, func(models.Chunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGenerate_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json`)
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{Model: "llama3"}, func(models.Chunk) error { return nil })
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestGenerate_StreamEndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"cut"},"done":false}`)
	}))
	defer srv.Close()

	_, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{Model: "llama3"}, func(models.Chunk) error { return nil })
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestGenerate_CallbackErrorStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, `{"message":{"content":"t%d"},"done":false}`+"\n", i)
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	_, err := newProvider(srv.URL).Generate(context.Background(), models.GenerateRequest{Model: "llama3"}, func(models.Chunk) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestGenerate_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := newProvider(srv.URL).Generate(ctx, models.GenerateRequest{Model: "llama3"}, func(models.Chunk) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
