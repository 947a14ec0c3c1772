package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"pasteguard/internal/mask"
	"pasteguard/internal/placeholder"
	"pasteguard/internal/presidio"
	"pasteguard/internal/secrets"
)

type maskAPIRequest struct {
	Text      string         `json:"text"`
	Language  string         `json:"language,omitempty"`
	StartFrom map[string]int `json:"startFrom,omitempty"`
	Detect    []string       `json:"detect,omitempty"`
}

type maskAPIEntity struct {
	Type        string `json:"type"`
	Placeholder string `json:"placeholder"`
}

type maskAPIResponse struct {
	Masked           string            `json:"masked"`
	Context          map[string]string `json:"context"`
	Counters         map[string]int    `json:"counters"`
	Entities         []maskAPIEntity   `json:"entities"`
	Language         string            `json:"language"`
	LanguageFallback bool              `json:"languageFallback"`
}

var placeholderTypeRe = regexp.MustCompile(`^\[\[([A-Z0-9_]+)_\d+\]\]$`)

// handleMask is the standalone masking endpoint: one text in, the masked
// text plus the full placeholder context out.
func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	var req maskAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, errTypeValidation, "Invalid JSON in request body")
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeAPIError(w, http.StatusBadRequest, errTypeValidation, "text must be a non-empty string")
		return
	}

	detect := req.Detect
	if len(detect) == 0 {
		detect = []string{"pii", "secrets"}
	}
	wantPII, wantSecrets := false, false
	for _, d := range detect {
		switch d {
		case "pii":
			wantPII = true
		case "secrets":
			wantSecrets = true
		default:
			writeAPIError(w, http.StatusBadRequest, errTypeValidation, "detect entries must be \"pii\" or \"secrets\"")
			return
		}
	}

	if req.Language != "" && s.cfg.PIIDetection.Enabled && !supportedLanguage(s.cfg.PIIDetection.Languages, req.Language) {
		writeAPIError(w, http.StatusBadRequest, errTypeValidation, "language "+req.Language+" is not configured")
		return
	}

	ctx := placeholder.NewContext()
	ctx.SeedCounters(req.StartFrom)
	masked := text

	// Secrets first, mirroring the proxy pipeline.
	if wantSecrets && s.cfg.SecretsDetection.Enabled {
		res := secrets.Detect(masked, secrets.Config{
			Enabled:      true,
			Entities:     s.cfg.SecretsDetection.Entities,
			MaxScanChars: s.cfg.SecretsDetection.MaxScanChars,
		})
		masked = mask.MaskTextSecrets(masked, res.Locations, ctx)
	}

	lang := req.Language
	fallback := false
	if wantPII && s.cfg.PIIDetection.Enabled && s.pii != nil {
		if lang == "" && s.lang != nil {
			detected := s.lang.Detect(masked)
			lang = detected.Language
			fallback = detected.UsedFallback
		}
		if lang == "" {
			lang = s.cfg.PIIDetection.FallbackLanguage
		}

		entities, err := s.pii.Analyze(r.Context(), masked, lang)
		if err != nil {
			if errors.Is(err, presidio.ErrUnavailable) {
				writeAPIError(w, http.StatusServiceUnavailable, errTypeDetection, "PII detection service unavailable")
				return
			}
			writeAPIError(w, http.StatusInternalServerError, errTypeServer, "PII detection failed")
			return
		}
		masked = mask.MaskText(masked, entities, ctx)
	}

	resp := maskAPIResponse{
		Masked:           masked,
		Context:          ctx.Mapping(),
		Counters:         ctx.Counters(),
		Entities:         []maskAPIEntity{},
		Language:         lang,
		LanguageFallback: fallback,
	}
	for _, pair := range ctx.Pairs() {
		typ := ""
		if m := placeholderTypeRe.FindStringSubmatch(pair.Placeholder); m != nil {
			typ = m[1]
		}
		resp.Entities = append(resp.Entities, maskAPIEntity{Type: typ, Placeholder: pair.Placeholder})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func supportedLanguage(languages []string, lang string) bool {
	for _, l := range languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}
