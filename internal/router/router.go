// Package router is the per-request decision engine: it runs the secrets
// sweep, applies the secret-action policy, runs language and PII detection,
// and decides which provider sees which request body.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pasteguard/internal/config"
	"pasteguard/internal/extract"
	"pasteguard/internal/language"
	"pasteguard/internal/mask"
	"pasteguard/internal/placeholder"
	"pasteguard/internal/presidio"
	"pasteguard/internal/secrets"
	"pasteguard/internal/span"
)

// Provider targets.
const (
	ProviderUpstream = "upstream"
	ProviderLocal    = "local"
)

// BlockedError carries the detected secret types when the block policy
// short-circuits a request. No provider is called.
type BlockedError struct {
	Types []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked: secrets detected (%s)", strings.Join(e.Types, ", "))
}

// Engine composes the detection pipeline with the routing policy. One Engine
// serves all requests; all per-request state lives in the Outcome.
type Engine struct {
	mode       string
	secretsCfg config.SecretsDetectionConfig
	piiCfg     config.PIIDetectionConfig
	maskCfg    mask.Config
	lang       *language.Detector
	pii        *presidio.Client
	log        *zap.Logger
}

// New builds an engine. lang and pii may be nil when PII detection is
// disabled.
func New(cfg *config.Config, lang *language.Detector, pii *presidio.Client, log *zap.Logger) *Engine {
	return &Engine{
		mode:       cfg.Mode,
		secretsCfg: cfg.SecretsDetection,
		piiCfg:     cfg.PIIDetection,
		maskCfg: mask.Config{
			ShowMarkers: cfg.Masking.ShowMarkers,
			MarkerText:  cfg.Masking.MarkerText,
		},
		lang: lang,
		pii:  pii,
		log:  log.Named("router"),
	}
}

// MaskConfig exposes the masking options for response unmasking.
func (e *Engine) MaskConfig() mask.Config { return e.maskCfg }

// Outcome is the decision for one request.
type Outcome struct {
	Provider string // ProviderUpstream or ProviderLocal
	Reason   string
	Request  map[string]any // body to forward (masked when applicable)
	Ctx      *placeholder.Context

	Language        language.Result
	PIIDetected     bool
	PIIMasked       bool
	SecretsDetected bool
	SecretTypes     []string
	SecretsMasked   bool
}

// Process runs the pipeline. The error is either a *BlockedError (policy
// short-circuit, no provider call) or a detection-service failure wrapping
// presidio.ErrUnavailable.
func (e *Engine) Process(ctx context.Context, req map[string]any, ex extract.Extractor) (*Outcome, error) {
	out := &Outcome{
		Provider: ProviderUpstream,
		Reason:   "no sensitive content",
		Request:  req,
		Ctx:      placeholder.NewContext(),
	}

	spans := ex.ExtractTexts(req)

	// Secrets sweep: deterministic, always first.
	secretLocations := make([][]span.SecretLocation, len(spans))
	if e.secretsCfg.Enabled {
		seen := make(map[string]bool)
		total := 0
		for i, s := range spans {
			if !roleScanned(e.secretsCfg.ScanRoles, s.Role) {
				continue
			}
			res := secrets.Detect(s.Text, secrets.Config{
				Enabled:      true,
				Entities:     e.secretsCfg.Entities,
				MaxScanChars: e.secretsCfg.MaxScanChars,
			})
			secretLocations[i] = res.Locations
			total += res.Count
			for _, typ := range res.Types {
				seen[typ] = true
			}
		}
		if total > 0 {
			out.SecretsDetected = true
			for _, typ := range secrets.AllTypes {
				if seen[typ] {
					out.SecretTypes = append(out.SecretTypes, typ)
				}
			}
			if e.secretsCfg.LogDetectedTypes {
				e.log.Info("secrets detected",
					zap.Strings("types", out.SecretTypes),
					zap.Int("count", total))
			} else {
				e.log.Info("secrets detected", zap.Int("count", total))
			}
		}
	}

	if out.SecretsDetected {
		switch e.secretsCfg.Action {
		case config.ActionBlock:
			return nil, &BlockedError{Types: out.SecretTypes}
		case config.ActionMask:
			masked, changed := mask.MaskRequestSecrets(out.Request, spans, secretLocations, ex, out.Ctx)
			if changed {
				out.Request = masked
				out.SecretsMasked = true
				// Downstream detection must see the masked text, not the
				// secrets: re-extract.
				spans = ex.ExtractTexts(out.Request)
			}
		}
	}

	// Language from the user-visible content.
	if e.lang != nil {
		var userTexts []string
		for _, s := range spans {
			if s.Role == "user" {
				userTexts = append(userTexts, s.Text)
			}
		}
		out.Language = e.lang.Detect(strings.Join(userTexts, "\n"))
	}

	// PII sweep via the external analyzer.
	if e.piiCfg.Enabled && e.pii != nil {
		scanned := make([]int, 0, len(spans))
		texts := make([]string, 0, len(spans))
		for i, s := range spans {
			if !roleScanned(e.piiCfg.ScanRoles, s.Role) {
				continue
			}
			scanned = append(scanned, i)
			texts = append(texts, s.Text)
		}

		entities, err := e.pii.AnalyzeAll(ctx, texts, out.Language.Language)
		if err != nil {
			return nil, fmt.Errorf("pii detection: %w", err)
		}

		spanEntities := make([][]span.ScoredEntity, len(spans))
		for j, i := range scanned {
			spanEntities[i] = entities[j]
			if len(entities[j]) > 0 {
				out.PIIDetected = true
			}
		}

		if out.PIIDetected && e.mode == config.ModeMask {
			masked, changed := mask.MaskRequest(out.Request, spans, spanEntities, ex, out.Ctx)
			if changed {
				out.Request = masked
				out.PIIMasked = true
			}
		}
	}

	e.decide(out)
	return out, nil
}

// decide picks the target provider. Route-local on secrets takes precedence
// over PII-based routing.
func (e *Engine) decide(out *Outcome) {
	if e.mode == config.ModeMask {
		out.Provider = ProviderUpstream
		switch {
		case out.PIIMasked && out.SecretsMasked:
			out.Reason = "masked secrets and pii"
		case out.PIIMasked:
			out.Reason = "masked pii"
		case out.SecretsMasked:
			out.Reason = "masked secrets"
		default:
			out.Reason = "no sensitive content"
		}
		return
	}

	switch {
	case e.secretsCfg.Action == config.ActionRouteLocal && out.SecretsDetected:
		out.Provider = ProviderLocal
		out.Reason = "secrets detected, routed to local model"
	case out.PIIDetected:
		out.Provider = ProviderLocal
		out.Reason = "pii detected, routed to local model"
	default:
		out.Provider = ProviderUpstream
		out.Reason = "no sensitive content"
	}
}

// roleScanned applies the scan_roles restriction; an empty list scans every
// role.
func roleScanned(scanRoles []string, role string) bool {
	if len(scanRoles) == 0 {
		return true
	}
	for _, r := range scanRoles {
		if r == role {
			return true
		}
	}
	return false
}
