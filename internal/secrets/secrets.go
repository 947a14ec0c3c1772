// Package secrets implements deterministic secret detection: a registry of
// regex detectors over fixed, compile-once patterns.
package secrets

import (
	"sort"
	"unicode/utf8"

	"pasteguard/internal/span"
)

// Secret types reported by the detectors.
const (
	TypeOpenSSHPrivateKey = "OPENSSH_PRIVATE_KEY"
	TypePEMPrivateKey     = "PEM_PRIVATE_KEY"
	TypeAPIKeySK          = "API_KEY_SK"
	TypeAPIKeyAWS         = "API_KEY_AWS"
	TypeAPIKeyGitHub      = "API_KEY_GITHUB"
	TypeJWTToken          = "JWT_TOKEN"
	TypeBearerToken       = "BEARER_TOKEN"
	TypeEnvPassword       = "ENV_PASSWORD"
	TypeEnvSecret         = "ENV_SECRET"
	TypeConnectionString  = "CONNECTION_STRING"
)

// AllTypes lists every secret type in detection priority order.
var AllTypes = []string{
	TypeOpenSSHPrivateKey,
	TypePEMPrivateKey,
	TypeAPIKeySK,
	TypeAPIKeyAWS,
	TypeAPIKeyGitHub,
	TypeJWTToken,
	TypeBearerToken,
	TypeEnvPassword,
	TypeEnvSecret,
	TypeConnectionString,
}

// Detector is one entry in the pattern registry. A detector declares the
// types it owns and scans text for them.
type Detector interface {
	Types() []string
	Detect(text string, enabled map[string]bool) (int, []span.SecretLocation)
}

// Config controls a scan.
type Config struct {
	Enabled bool
	// Entities restricts detection to the listed types; empty means all.
	Entities []string
	// MaxScanChars truncates the scanned text to this many runes; 0 = no limit.
	MaxScanChars int
}

// Result is the aggregate outcome of one scan.
type Result struct {
	Detected bool
	Count    int
	// Types holds the distinct detected types in priority order.
	Types []string
	// Locations are sorted descending by start, ready for replacement.
	Locations []span.SecretLocation
}

// Detect runs every registered detector whose types intersect the enabled
// set. Cross-type overlapping locations are reported as-is; overlap
// resolution happens downstream (span.ResolveOverlaps).
func Detect(text string, cfg Config) Result {
	if !cfg.Enabled || text == "" {
		return Result{}
	}

	if cfg.MaxScanChars > 0 && utf8.RuneCountInString(text) > cfg.MaxScanChars {
		text = string([]rune(text)[:cfg.MaxScanChars])
	}

	enabled := enabledSet(cfg.Entities)

	var res Result
	seen := make(map[string]bool)
	for _, d := range registry {
		if !anyEnabled(d.Types(), enabled) {
			continue
		}
		count, locs := d.Detect(text, enabled)
		res.Count += count
		res.Locations = append(res.Locations, locs...)
		for _, loc := range locs {
			seen[loc.SecretType] = true
		}
	}

	if len(res.Locations) == 0 {
		return res
	}

	res.Detected = true
	for _, typ := range AllTypes {
		if seen[typ] {
			res.Types = append(res.Types, typ)
		}
	}
	sort.Slice(res.Locations, func(i, j int) bool {
		return res.Locations[i].Start > res.Locations[j].Start
	})
	return res
}

func enabledSet(entities []string) map[string]bool {
	set := make(map[string]bool, len(AllTypes))
	if len(entities) == 0 {
		for _, t := range AllTypes {
			set[t] = true
		}
		return set
	}
	for _, t := range entities {
		set[t] = true
	}
	return set
}

func anyEnabled(types []string, enabled map[string]bool) bool {
	for _, t := range types {
		if enabled[t] {
			return true
		}
	}
	return false
}

// runeOffsets converts a pair of byte offsets into rune offsets. All spans in
// this codebase are rune-addressed; regexp works in bytes, so conversion
// happens here at the detection boundary.
func runeOffsets(text string, byteStart, byteEnd int) (int, int) {
	start := utf8.RuneCountInString(text[:byteStart])
	return start, start + utf8.RuneCountInString(text[byteStart:byteEnd])
}
