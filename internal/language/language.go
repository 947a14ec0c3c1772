// Package language maps free text onto one of the configured analyzer
// languages, falling back when detection lands outside the supported set.
package language

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// Result describes one detection.
type Result struct {
	// Language is the code handed to the analyzer; always a member of the
	// supported set.
	Language string
	// DetectedLanguage is what the detector actually saw ("" when the input
	// was empty or nothing could be detected).
	DetectedLanguage string
	UsedFallback     bool
	Confidence       float64
}

// Detector wraps a lingua detector with the configured supported set.
type Detector struct {
	detector  lingua.LanguageDetector
	supported map[string]bool
	fallback  string
}

// New builds a detector. supported holds ISO-639-1 style codes (en, de, ja);
// fallback must be a member of supported.
func New(supported []string, fallback string) *Detector {
	set := make(map[string]bool, len(supported))
	for _, s := range supported {
		set[strings.ToLower(s)] = true
	}
	return &Detector{
		detector:  lingua.NewLanguageDetectorBuilder().FromAllLanguages().Build(),
		supported: set,
		fallback:  strings.ToLower(fallback),
	}
}

// Detect picks the language for text. Empty input yields the fallback
// silently (no detection, no fallback flag).
func (d *Detector) Detect(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Language: d.fallback}
	}

	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return Result{Language: d.fallback, UsedFallback: true}
	}

	detected := isoCode(lang)
	confidence := d.detector.ComputeLanguageConfidence(text, lang)

	if !d.supported[detected] {
		return Result{
			Language:         d.fallback,
			DetectedLanguage: detected,
			UsedFallback:     true,
			Confidence:       confidence,
		}
	}
	return Result{
		Language:         detected,
		DetectedLanguage: detected,
		Confidence:       confidence,
	}
}

// isoCode lowercases the ISO-639-1 code, substituting nb whenever the
// underlying detector reports generic Norwegian.
func isoCode(lang lingua.Language) string {
	code := strings.ToLower(lang.IsoCode639_1().String())
	if code == "no" {
		return "nb"
	}
	return code
}
