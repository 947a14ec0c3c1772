// Package mask binds the extractors, the conflict resolvers and the
// placeholder engine into one request->masked->response->unmasked pipeline.
package mask

import (
	"pasteguard/internal/extract"
	"pasteguard/internal/placeholder"
	"pasteguard/internal/span"
)

// Config mirrors the masking section of the proxy configuration.
type Config struct {
	ShowMarkers bool
	MarkerText  string
}

// MaskText replaces the resolved PII entities in one text, extending ctx.
func MaskText(text string, entities []span.ScoredEntity, ctx *placeholder.Context) string {
	if len(entities) == 0 {
		return text
	}
	resolved := span.ResolveConflicts(entities)
	targets := make([]placeholder.Target, 0, len(resolved))
	for _, e := range resolved {
		targets = append(targets, placeholder.Target{Start: e.Start, End: e.End, Type: e.EntityType})
	}
	return placeholder.Replace(text, targets, ctx, placeholder.MintPII)
}

// MaskTextSecrets replaces the resolved secret locations in one text,
// extending ctx.
func MaskTextSecrets(text string, locations []span.SecretLocation, ctx *placeholder.Context) string {
	if len(locations) == 0 {
		return text
	}
	resolved := span.ResolveOverlaps(locations)
	targets := make([]placeholder.Target, 0, len(resolved))
	for _, loc := range resolved {
		targets = append(targets, placeholder.Target{Start: loc.Start, End: loc.End, Type: loc.SecretType})
	}
	return placeholder.Replace(text, targets, ctx, placeholder.MintSecret)
}

// MaskRequest masks PII across a request. spanEntities is parallel to spans
// (the analyzer fan-out result). Only changed spans are forwarded to
// ApplyMasked. Returns the (possibly identical) request and whether any span
// changed.
func MaskRequest(req map[string]any, spans []extract.TextSpan, spanEntities [][]span.ScoredEntity, ex extract.Extractor, ctx *placeholder.Context) (map[string]any, bool) {
	var masked []extract.MaskedSpan
	for i, s := range spans {
		if i >= len(spanEntities) || len(spanEntities[i]) == 0 {
			continue
		}
		newText := MaskText(s.Text, spanEntities[i], ctx)
		if newText == s.Text {
			continue
		}
		masked = append(masked, extract.MaskedSpan{
			MessageIndex:    s.MessageIndex,
			PartIndex:       s.PartIndex,
			NestedPartIndex: s.NestedPartIndex,
			MaskedText:      newText,
		})
	}
	if len(masked) == 0 {
		return req, false
	}
	return ex.ApplyMasked(req, masked), true
}

// MaskRequestSecrets masks secrets across a request; spanLocations is
// parallel to spans.
func MaskRequestSecrets(req map[string]any, spans []extract.TextSpan, spanLocations [][]span.SecretLocation, ex extract.Extractor, ctx *placeholder.Context) (map[string]any, bool) {
	var masked []extract.MaskedSpan
	for i, s := range spans {
		if i >= len(spanLocations) || len(spanLocations[i]) == 0 {
			continue
		}
		newText := MaskTextSecrets(s.Text, spanLocations[i], ctx)
		if newText == s.Text {
			continue
		}
		masked = append(masked, extract.MaskedSpan{
			MessageIndex:    s.MessageIndex,
			PartIndex:       s.PartIndex,
			NestedPartIndex: s.NestedPartIndex,
			MaskedText:      newText,
		})
	}
	if len(masked) == 0 {
		return req, false
	}
	return ex.ApplyMasked(req, masked), true
}

// RestoreValueFunc builds the value formatter used on unmasking: identity,
// or marker-prefixed when show_markers is set.
func RestoreValueFunc(cfg Config) placeholder.ValueFunc {
	if !cfg.ShowMarkers {
		return nil
	}
	marker := cfg.MarkerText
	if marker == "" {
		marker = "[protected]"
	}
	return func(original string) string { return marker + original }
}

// UnmaskResponse restores placeholders in every text-bearing response field.
func UnmaskResponse(resp map[string]any, ctx *placeholder.Context, cfg Config, ex extract.Extractor) map[string]any {
	if ctx == nil || ctx.Len() == 0 {
		return resp
	}
	format := RestoreValueFunc(cfg)
	return ex.UnmaskResponse(resp, func(text string) string {
		return placeholder.Restore(text, ctx, format)
	})
}

// RestoreStream is the plain restore used by the stream transformer: no
// markers, exact substitution only.
func RestoreStream(ctx *placeholder.Context) func(string) string {
	return func(text string) string {
		return placeholder.Restore(text, ctx, nil)
	}
}
