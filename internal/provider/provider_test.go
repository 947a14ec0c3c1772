package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForward_OpenAIHeaders(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	t.Cleanup(srv.Close)

	resp, err := New().Forward(context.Background(), Target{
		Name: "upstream", Type: "openai", BaseURL: srv.URL, APIKey: "sk-up",
	}, []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer sk-up", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.IsStream)
}

func TestForward_AnthropicHeaders(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		gotPath = r.URL.Path
		w.Write([]byte(`{"content":[]}`))
	}))
	t.Cleanup(srv.Close)

	resp, err := New().Forward(context.Background(), Target{
		Name: "local", Type: "anthropic", BaseURL: srv.URL, APIKey: "ak-1",
	}, []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "ak-1", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)
}

func TestForward_StreamDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {}\n\ndata: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	resp, err := New().Forward(context.Background(), Target{Type: "openai", BaseURL: srv.URL}, []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, resp.IsStream)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "[DONE]")
}

func TestForward_BodyPassedThrough(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	body := []byte(`{"model":"m","vendor_extension":{"a":1}}`)
	resp, err := New().Forward(context.Background(), Target{Type: "openai", BaseURL: srv.URL}, body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, map[string]any{"a": float64(1)}, got["vendor_extension"])
}

func TestForward_ConnectionError(t *testing.T) {
	_, err := New().Forward(context.Background(), Target{Type: "openai", BaseURL: "http://127.0.0.1:1"}, []byte(`{}`))
	require.Error(t, err)
}

func TestChatPath(t *testing.T) {
	assert.Equal(t, "/v1/messages", ChatPath("anthropic"))
	assert.Equal(t, "/v1/chat/completions", ChatPath("openai"))
}
