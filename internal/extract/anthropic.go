package extract

import "fmt"

// anthropicExtractor handles the Anthropic messages shape: a top-level
// system prompt (string or text blocks) plus messages whose content is a
// string or an array of typed blocks. tool_result blocks may nest a further
// string-or-blocks sum. Thinking blocks carry cryptographic signatures and
// are never touched; images, tool_use and redacted_thinking have no text.
type anthropicExtractor struct{}

func (anthropicExtractor) Format() string { return FormatAnthropic }

func (anthropicExtractor) ExtractTexts(req map[string]any) []TextSpan {
	var spans []TextSpan

	switch sys := req["system"].(type) {
	case string:
		if sys != "" {
			spans = append(spans, TextSpan{
				Text:            sys,
				Path:            "system",
				MessageIndex:    SystemMessageIndex,
				PartIndex:       0,
				NestedPartIndex: -1,
				Role:            "system",
			})
		}
	case []any:
		for j, block := range sys {
			bm, ok := block.(map[string]any)
			if !ok || bm["type"] != "text" {
				continue
			}
			text, _ := bm["text"].(string)
			if text == "" {
				continue
			}
			spans = append(spans, TextSpan{
				Text:            text,
				Path:            fmt.Sprintf("system[%d]", j),
				MessageIndex:    SystemMessageIndex,
				PartIndex:       j,
				NestedPartIndex: -1,
				Role:            "system",
			})
		}
	}

	msgs, _ := req["messages"].([]any)
	for i, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

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
			for j, block := range content {
				bm, ok := block.(map[string]any)
				if !ok {
					continue
				}
				switch bm["type"] {
				case "text":
					text, _ := bm["text"].(string)
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
				case "tool_result":
					switch inner := bm["content"].(type) {
					case string:
						if inner == "" {
							continue
						}
						spans = append(spans, TextSpan{
							Text:            inner,
							Path:            fmt.Sprintf("messages[%d].content[%d].content", i, j),
							MessageIndex:    i,
							PartIndex:       j,
							NestedPartIndex: -1,
							Role:            role,
						})
					case []any:
						for k, innerBlock := range inner {
							ibm, ok := innerBlock.(map[string]any)
							if !ok || ibm["type"] != "text" {
								continue
							}
							text, _ := ibm["text"].(string)
							if text == "" {
								continue
							}
							spans = append(spans, TextSpan{
								Text:            text,
								Path:            fmt.Sprintf("messages[%d].content[%d].content[%d]", i, j, k),
								MessageIndex:    i,
								PartIndex:       j,
								NestedPartIndex: k,
								Role:            role,
							})
						}
					}
				}
			}
		}
	}
	return spans
}

func (anthropicExtractor) ApplyMasked(req map[string]any, spans []MaskedSpan) map[string]any {
	clone := deepCopy(req)
	if len(spans) == 0 {
		return clone
	}
	byAddr := indexMasked(spans)

	switch sys := clone["system"].(type) {
	case string:
		if masked, ok := byAddr[[3]int{SystemMessageIndex, 0, -1}]; ok && sys != "" {
			clone["system"] = masked
		}
	case []any:
		for j, block := range sys {
			bm, ok := block.(map[string]any)
			if !ok || bm["type"] != "text" {
				continue
			}
			if masked, ok := byAddr[[3]int{SystemMessageIndex, j, -1}]; ok {
				bm["text"] = masked
			}
		}
	}

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
			for j, block := range content {
				bm, ok := block.(map[string]any)
				if !ok {
					continue
				}
				switch bm["type"] {
				case "text":
					if _, ok := bm["text"].(string); !ok {
						continue
					}
					if masked, ok := byAddr[[3]int{i, j, -1}]; ok {
						bm["text"] = masked
					}
				case "tool_result":
					switch inner := bm["content"].(type) {
					case string:
						if masked, ok := byAddr[[3]int{i, j, -1}]; ok && inner != "" {
							bm["content"] = masked
						}
					case []any:
						for k, innerBlock := range inner {
							ibm, ok := innerBlock.(map[string]any)
							if !ok || ibm["type"] != "text" {
								continue
							}
							if masked, ok := byAddr[[3]int{i, j, k}]; ok {
								ibm["text"] = masked
							}
						}
					}
				}
			}
		}
	}
	return clone
}

func (anthropicExtractor) UnmaskResponse(resp map[string]any, restore RestoreFunc) map[string]any {
	clone := deepCopy(resp)
	content, _ := clone["content"].([]any)
	for _, raw := range content {
		bm, ok := raw.(map[string]any)
		if !ok || bm["type"] != "text" {
			continue
		}
		if text, ok := bm["text"].(string); ok && text != "" {
			bm["text"] = restore(text)
		}
	}
	return clone
}
