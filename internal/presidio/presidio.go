// Package presidio is the HTTP client for the external Presidio-style PII
// analyzer. The analyzer is a black box: text plus language in, scored
// entities out.
package presidio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pasteguard/internal/cooldown"
	"pasteguard/internal/span"
)

// ErrUnavailable signals that the analyzer could not serve a detection
// request. Callers surface it as 503 and must not proxy the request.
var ErrUnavailable = errors.New("pii analyzer unavailable")

const requestTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL        string
	Entities       []string
	ScoreThreshold float64
	Whitelist      []string
}

// Client calls the analyzer service.
type Client struct {
	baseURL        string
	entities       []string
	scoreThreshold float64
	whitelist      []string
	httpClient     *http.Client
	cool           *cooldown.Tracker
	log            *zap.Logger
}

// New builds a client. log must not be nil.
func New(opts Options, log *zap.Logger) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		entities:       opts.Entities,
		scoreThreshold: opts.ScoreThreshold,
		whitelist:      opts.Whitelist,
		httpClient:     &http.Client{Timeout: requestTimeout},
		cool:           cooldown.New(log),
		log:            log.Named("presidio"),
	}
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
}

type analyzeEntity struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Analyze scans one text and returns the whitelist-filtered entities.
func (c *Client) Analyze(ctx context.Context, text, lang string) ([]span.ScoredEntity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if c.cool.Active() {
		return nil, fmt.Errorf("%w: on cooldown", ErrUnavailable)
	}

	raw, status, err := c.postAnalyze(ctx, analyzeRequest{
		Text:           text,
		Language:       lang,
		Entities:       c.entities,
		ScoreThreshold: c.scoreThreshold,
	})
	if err != nil {
		c.cool.Fail(err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status < 200 || status >= 300 {
		c.cool.Fail(fmt.Sprintf("analyze returned %d", status))
		return nil, fmt.Errorf("%w: analyze returned %d", ErrUnavailable, status)
	}
	c.cool.Clear()

	var parsed []analyzeEntity
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode analyze response: %v", ErrUnavailable, err)
	}

	entities := make([]span.ScoredEntity, 0, len(parsed))
	for _, e := range parsed {
		entities = append(entities, span.ScoredEntity{
			Span:       span.Span{Start: e.Start, End: e.End},
			EntityType: e.EntityType,
			Score:      e.Score,
		})
	}
	return filterWhitelist(text, entities, c.whitelist), nil
}

// AnalyzeAll scans every text concurrently and returns per-text entities in
// input order. One failing scan fails the whole batch.
func (c *Client) AnalyzeAll(ctx context.Context, texts []string, lang string) ([][]span.ScoredEntity, error) {
	results := make([][]span.ScoredEntity, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			entities, err := c.Analyze(gctx, text, lang)
			if err != nil {
				return err
			}
			results[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) postAnalyze(ctx context.Context, reqBody analyzeRequest) ([]byte, int, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read analyze response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

// Health probes the analyzer's health endpoint once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls Health until it succeeds, up to attempts probes separated
// by delay.
func (c *Client) WaitReady(ctx context.Context, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
		c.log.Debug("analyzer not ready", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("analyzer not ready after %d attempts: %w", attempts, lastErr)
}

// LanguageSupported sends a trivial analyze call and interprets a 4xx body
// mentioning "No matching recognizers" as "language not supported".
func (c *Client) LanguageSupported(ctx context.Context, lang string) (bool, error) {
	raw, status, err := c.postAnalyze(ctx, analyzeRequest{Text: "ping", Language: lang})
	if err != nil {
		return false, err
	}
	if status >= 200 && status < 300 {
		return true, nil
	}
	if status >= 400 && status < 500 && strings.Contains(string(raw), "No matching recognizers") {
		return false, nil
	}
	return false, fmt.Errorf("language probe returned %d", status)
}

// filterWhitelist drops entities whose detected substring contains, or is
// contained by, any whitelist entry. Matching is a case-sensitive substring
// test over the entity's text.
func filterWhitelist(text string, entities []span.ScoredEntity, whitelist []string) []span.ScoredEntity {
	if len(whitelist) == 0 || len(entities) == 0 {
		return entities
	}
	runes := []rune(text)

	kept := entities[:0:0]
	for _, e := range entities {
		if e.Start < 0 || e.End > len(runes) || e.Start >= e.End {
			continue
		}
		value := string(runes[e.Start:e.End])
		allowed := false
		for _, w := range whitelist {
			if w == "" {
				continue
			}
			if strings.Contains(value, w) || strings.Contains(w, value) {
				allowed = true
				break
			}
		}
		if !allowed {
			kept = append(kept, e)
		}
	}
	return kept
}
