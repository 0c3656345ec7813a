package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOllama struct {
	mu       sync.Mutex
	requests []chatRequest
	reply    string
	status   int
}

func (f *fakeOllama) handler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	_ = json.NewEncoder(w).Encode(chatResponse{
		Message: chatMessage{Role: "assistant", Content: f.reply},
		Done:    true,
	})
}

func newTestClient(t *testing.T, fake *fakeOllama, maxHistory int) *Ollama {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	cfg := DefaultOllamaConfig()
	cfg.Host = srv.URL
	cfg.MaxHistory = maxHistory
	cfg.SystemPrompt = "Be brief."
	return NewOllama(cfg, zerolog.Nop())
}

func TestOllama_Generate(t *testing.T) {
	fake := &fakeOllama{reply: "Hello to you too."}
	client := newTestClient(t, fake, 5)

	reply, err := client.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello to you too.", reply)

	require.Len(t, fake.requests, 1)
	msgs := fake.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestOllama_HistoryIncludedAndBounded(t *testing.T) {
	fake := &fakeOllama{reply: "ok"}
	client := newTestClient(t, fake, 2)

	for _, text := range []string{"one", "two", "three"} {
		_, err := client.Generate(context.Background(), text)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, client.HistoryLen())

	// Fourth request carries system + 2 exchanges + the new user turn.
	_, err := client.Generate(context.Background(), "four")
	require.NoError(t, err)
	last := fake.requests[len(fake.requests)-1]
	require.Len(t, last.Messages, 6)
	assert.Equal(t, "two", last.Messages[1].Content) // "one" evicted
	assert.Equal(t, "four", last.Messages[5].Content)
}

func TestOllama_ClearHistory(t *testing.T) {
	fake := &fakeOllama{reply: "ok"}
	client := newTestClient(t, fake, 5)

	_, err := client.Generate(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, 1, client.HistoryLen())

	client.ClearHistory()
	assert.Equal(t, 0, client.HistoryLen())
}

func TestOllama_ServerErrorDoesNotPolluteHistory(t *testing.T) {
	fake := &fakeOllama{status: http.StatusInternalServerError}
	client := newTestClient(t, fake, 5)

	_, err := client.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, 0, client.HistoryLen())
}

func TestOllama_EmptyInputRejected(t *testing.T) {
	fake := &fakeOllama{reply: "ok"}
	client := newTestClient(t, fake, 5)

	_, err := client.Generate(context.Background(), "   ")
	require.Error(t, err)
	assert.Len(t, fake.requests, 0)
}
