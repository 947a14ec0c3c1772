// Package extract is the only place that knows chat request shape. It turns
// a request tree into addressable text spans, applies masked text back by
// address, and restores placeholders in responses. Everything downstream of
// the extractors is shape-agnostic.
package extract

import (
	"encoding/json"
	"fmt"
)

// Wire formats.
const (
	FormatOpenAI    = "openai"
	FormatAnthropic = "anthropic"
)

// SystemMessageIndex addresses content living outside the messages array
// (the Anthropic top-level system prompt).
const SystemMessageIndex = -1

// TextSpan is an addressable chunk of text extracted from a request. The
// triple (MessageIndex, PartIndex, NestedPartIndex) is the address used to
// apply masked text back; Path is a human-readable locator for logging.
type TextSpan struct {
	Text            string
	Path            string
	MessageIndex    int
	PartIndex       int
	NestedPartIndex int // -1 when absent
	Role            string
}

// MaskedSpan carries replacement text for the span at the same address.
type MaskedSpan struct {
	MessageIndex    int
	PartIndex       int
	NestedPartIndex int
	MaskedText      string
}

// RestoreFunc rewrites one text field during response unmasking.
type RestoreFunc func(text string) string

// Extractor adapts one wire format.
//
// Invariants: ExtractTexts emits no span for empty strings or non-text
// blocks; ApplyMasked deep-copies and leaves every unaddressed field intact,
// silently ignoring masked spans that address non-text blocks; an
// ApplyMasked call with no spans returns a structurally identical request.
type Extractor interface {
	Format() string
	ExtractTexts(req map[string]any) []TextSpan
	ApplyMasked(req map[string]any, spans []MaskedSpan) map[string]any
	UnmaskResponse(resp map[string]any, restore RestoreFunc) map[string]any
}

// ForFormat returns the extractor for a wire format.
func ForFormat(format string) (Extractor, error) {
	switch format {
	case FormatOpenAI:
		return openaiExtractor{}, nil
	case FormatAnthropic:
		return anthropicExtractor{}, nil
	default:
		return nil, fmt.Errorf("unsupported wire format %q", format)
	}
}

// deepCopy clones a request tree via a JSON round trip. Unknown keys survive;
// numbers come back as float64 and object keys are re-ordered on re-marshal.
func deepCopy(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return m
	}
	return clone
}

func indexMasked(spans []MaskedSpan) map[[3]int]string {
	byAddr := make(map[[3]int]string, len(spans))
	for _, s := range spans {
		byAddr[[3]int{s.MessageIndex, s.PartIndex, s.NestedPartIndex}] = s.MaskedText
	}
	return byAddr
}
