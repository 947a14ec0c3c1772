package presidio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pasteguard/internal/span"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	return New(opts, zap.NewNop())
}

func analyzerStub(entities []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(entities)
	}
}

func TestAnalyze_ParsesEntities(t *testing.T) {
	c := newTestClient(t, analyzerStub([]map[string]any{
		{"entity_type": "PERSON", "start": 8, "end": 19, "score": 0.9},
		{"entity_type": "EMAIL_ADDRESS", "start": 23, "end": 36, "score": 1.0},
	}), Options{ScoreThreshold: 0.5})

	entities, err := c.Analyze(context.Background(), "Contact Hans Müller at hans@firma.de", "de")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, span.ScoredEntity{Span: span.Span{Start: 8, End: 19}, EntityType: "PERSON", Score: 0.9}, entities[0])
}

func TestAnalyze_SendsRequestFields(t *testing.T) {
	var got analyzeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("[]"))
	}, Options{Entities: []string{"PERSON"}, ScoreThreshold: 0.7})

	_, err := c.Analyze(context.Background(), "some text", "en")
	require.NoError(t, err)
	assert.Equal(t, "some text", got.Text)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, []string{"PERSON"}, got.Entities)
	assert.Equal(t, 0.7, got.ScoreThreshold)
}

func TestAnalyze_EmptyTextSkipsCall(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, Options{})

	entities, err := c.Analyze(context.Background(), "   ", "en")
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.False(t, called)
}

func TestAnalyze_Non2xxIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, Options{})

	_, err := c.Analyze(context.Background(), "text", "en")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAnalyze_CooldownFastFails(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, Options{})

	_, err := c.Analyze(context.Background(), "text", "en")
	require.ErrorIs(t, err, ErrUnavailable)
	require.EqualValues(t, 1, calls.Load())

	// Second call during the cooldown never reaches the wire.
	_, err = c.Analyze(context.Background(), "text", "en")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestAnalyzeAll_PreservesOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text == "second" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"entity_type": "PERSON", "start": 0, "end": 6, "score": 0.8},
			})
			return
		}
		w.Write([]byte("[]"))
	}, Options{})

	results, err := c.AnalyzeAll(context.Background(), []string{"first", "second", "third"}, "en")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Empty(t, results[0])
	require.Len(t, results[1], 1)
	assert.Empty(t, results[2])
}

func TestFilterWhitelist(t *testing.T) {
	text := "mail support@example.com or ceo@example.com"
	entities := []span.ScoredEntity{
		{Span: span.Span{Start: 5, End: 24}, EntityType: "EMAIL_ADDRESS", Score: 1},
		{Span: span.Span{Start: 28, End: 43}, EntityType: "EMAIL_ADDRESS", Score: 1},
	}

	kept := filterWhitelist(text, entities, []string{"support@example.com"})
	require.Len(t, kept, 1)
	assert.Equal(t, 28, kept[0].Start)

	// Containment works both ways: an entity inside a whitelist entry is
	// dropped too.
	kept = filterWhitelist(text, entities, []string{"mail support@example.com today"})
	require.Len(t, kept, 1)

	// Case-sensitive.
	kept = filterWhitelist(text, entities, []string{"SUPPORT@EXAMPLE.COM"})
	assert.Len(t, kept, 2)
}

func TestHealthAndWaitReady(t *testing.T) {
	var healthy atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}, Options{})

	require.Error(t, c.Health(context.Background()))

	healthy.Store(true)
	require.NoError(t, c.Health(context.Background()))
	require.NoError(t, c.WaitReady(context.Background(), 3, time.Millisecond))
}

func TestWaitReady_GivesUp(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Options{})

	err := c.WaitReady(context.Background(), 2, time.Millisecond)
	require.Error(t, err)
}

func TestLanguageSupported(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Language == "xx" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "No matching recognizers were found to serve the request."}`))
			return
		}
		w.Write([]byte("[]"))
	}, Options{})

	ok, err := c.LanguageSupported(context.Background(), "en")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.LanguageSupported(context.Background(), "xx")
	require.NoError(t, err)
	assert.False(t, ok)
}
