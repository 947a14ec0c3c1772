package extract

import "fmt"

// openaiExtractor handles the OpenAI chat-completions shape: messages with a
// role and either string content or an array of typed parts.
type openaiExtractor struct{}

func (openaiExtractor) Format() string { return FormatOpenAI }

var openaiRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

func (openaiExtractor) ExtractTexts(req map[string]any) []TextSpan {
	msgs, _ := req["messages"].([]any)
	var spans []TextSpan

	for i, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if !openaiRoles[role] {
			continue
		}

		switch content := m["content"].(type) {
		case string:
			if content == "" {
				continue
			}
			spans = append(spans, TextSpan{
				Text:            content,
				Path:            fmt.Sprintf("messages[%d].content", i),
				MessageIndex:    i,
				PartIndex:       0,
				NestedPartIndex: -1,
				Role:            role,
			})
		case []any:
			for j, part := range content {
				pm, ok := part.(map[string]any)
				if !ok || pm["type"] != "text" {
					continue
				}
				text, _ := pm["text"].(string)
				if text == "" {
					continue
				}
				spans = append(spans, TextSpan{
					Text:            text,
					Path:            fmt.Sprintf("messages[%d].content[%d]", i, j),
					MessageIndex:    i,
					PartIndex:       j,
					NestedPartIndex: -1,
					Role:            role,
				})
			}
		}
	}
	return spans
}

func (openaiExtractor) ApplyMasked(req map[string]any, spans []MaskedSpan) map[string]any {
	clone := deepCopy(req)
	if len(spans) == 0 {
		return clone
	}
	byAddr := indexMasked(spans)

	msgs, _ := clone["messages"].([]any)
	for i, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch content := m["content"].(type) {
		case string:
			if masked, ok := byAddr[[3]int{i, 0, -1}]; ok {
				m["content"] = masked
			}
		case []any:
			for j, part := range content {
				pm, ok := part.(map[string]any)
				if !ok || pm["type"] != "text" {
					continue
				}
				if _, ok := pm["text"].(string); !ok {
					continue
				}
				if masked, ok := byAddr[[3]int{i, j, -1}]; ok {
					pm["text"] = masked
				}
			}
		}
	}
	return clone
}

func (openaiExtractor) UnmaskResponse(resp map[string]any, restore RestoreFunc) map[string]any {
	clone := deepCopy(resp)
	choices, _ := clone["choices"].([]any)
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			if content != "" {
				msg["content"] = restore(content)
			}
		case []any:
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok || pm["type"] != "text" {
					continue
				}
				if text, ok := pm["text"].(string); ok && text != "" {
					pm["text"] = restore(text)
				}
			}
		}
	}
	return clone
}
