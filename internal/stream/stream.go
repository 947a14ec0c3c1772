// Package stream rewrites Server-Sent-Event bodies on the way back to the
// client: text payloads are run through placeholder restoration while every
// other event passes through untouched. A placeholder may arrive split
// across arbitrarily small chunks; the transformer holds it back until it is
// complete and then restores it whole. Text still held back when a content
// block or the stream ends is flushed verbatim, so a placeholder that never
// completes reaches the client as it arrived.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Framing selects the SSE dialect of the upstream provider.
type Framing int

const (
	// FramingOpenAI: `data: <json>\n\n` events, `data: [DONE]\n\n` terminator,
	// text at choices[0].delta.content.
	FramingOpenAI Framing = iota
	// FramingAnthropic: named events (`event: <name>\ndata: <json>\n\n`),
	// text at delta.text when delta.type == "text_delta"; everything else
	// passes through unchanged.
	FramingAnthropic
)

// RestoreFunc rewrites a safe text fragment (placeholder restoration).
type RestoreFunc func(text string) string

// NewTransformer wraps an upstream SSE body. The returned reader preserves
// event order, applies backpressure (it reads upstream no faster than the
// caller drains it), and propagates upstream errors by closing the output
// with the same error. Closing the reader releases the upstream body.
func NewTransformer(upstream io.Reader, framing Framing, restore RestoreFunc) io.ReadCloser {
	pr, pw := io.Pipe()
	t := &transformer{
		upstream: upstream,
		framing:  framing,
		restore:  restore,
		pw:       pw,
		pending:  make(map[int]string),
	}
	go t.run()
	return pr
}

type transformer struct {
	upstream io.Reader
	framing  Framing
	restore  RestoreFunc
	pw       *io.PipeWriter

	lineBuf []byte         // partial line carried across reads
	event   []string       // complete lines of the event being assembled
	pending map[int]string // placeholder-in-progress text per content block
	err     error          // sticky downstream write error
}

func (t *transformer) run() {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := t.upstream.Read(buf)
		if n > 0 {
			t.consume(buf[:n])
			if t.err != nil {
				// Downstream went away; release the upstream reader.
				if c, ok := t.upstream.(io.Closer); ok {
					c.Close()
				}
				return
			}
		}
		if readErr != nil {
			t.finish(readErr)
			return
		}
	}
}

// consume splits incoming bytes on newlines; the trailing partial line stays
// in lineBuf.
func (t *transformer) consume(chunk []byte) {
	t.lineBuf = append(t.lineBuf, chunk...)
	for {
		idx := bytes.IndexByte(t.lineBuf, '\n')
		if idx < 0 {
			return
		}
		line := string(t.lineBuf[:idx])
		t.lineBuf = t.lineBuf[idx+1:]
		t.handleLine(strings.TrimSuffix(line, "\r"))
		if t.err != nil {
			return
		}
	}
}

// handleLine assembles lines into events (blank line terminates an event)
// and dispatches complete events.
func (t *transformer) handleLine(line string) {
	if line != "" {
		t.event = append(t.event, line)
		return
	}
	event := t.event
	t.event = nil
	if len(event) == 0 {
		// Stray blank line between events; keep the framing intact.
		t.write("\n")
		return
	}
	t.handleEvent(event)
}

func (t *transformer) handleEvent(lines []string) {
	switch t.framing {
	case FramingOpenAI:
		t.handleOpenAIEvent(lines)
	case FramingAnthropic:
		t.handleAnthropicEvent(lines)
	}
}

// ─── OpenAI framing ─────────────────────────────────────────────────────────

func (t *transformer) handleOpenAIEvent(lines []string) {
	data, ok := dataField(lines)
	if !ok {
		t.passThrough(lines)
		return
	}
	if strings.TrimSpace(data) == "[DONE]" {
		t.flushPending()
		t.passThrough(lines)
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		t.passThrough(lines)
		return
	}
	text, ok := openaiDeltaContent(parsed)
	if !ok {
		t.passThrough(lines)
		return
	}

	t.pending[0] += text
	safe, rest := splitSafe(t.pending[0])
	t.pending[0] = rest
	if safe == "" {
		return
	}
	setOpenAIDeltaContent(parsed, t.restore(safe))
	t.writeJSONEvent("", parsed)
}

func openaiDeltaContent(parsed map[string]any) (string, bool) {
	choices, _ := parsed["choices"].([]any)
	if len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := delta["content"].(string)
	return text, ok
}

func setOpenAIDeltaContent(parsed map[string]any, text string) {
	choices, _ := parsed["choices"].([]any)
	if choice, ok := choices[0].(map[string]any); ok {
		if delta, ok := choice["delta"].(map[string]any); ok {
			delta["content"] = text
		}
	}
}

// ─── Anthropic framing ──────────────────────────────────────────────────────

func (t *transformer) handleAnthropicEvent(lines []string) {
	data, ok := dataField(lines)
	if !ok {
		t.passThrough(lines)
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		t.passThrough(lines)
		return
	}

	evType, _ := parsed["type"].(string)
	idx := blockIndex(parsed)

	if evType == "content_block_delta" {
		if delta, ok := parsed["delta"].(map[string]any); ok && delta["type"] == "text_delta" {
			if text, ok := delta["text"].(string); ok {
				t.pending[idx] += text
				safe, rest := splitSafe(t.pending[idx])
				t.pending[idx] = rest
				if safe != "" {
					delta["text"] = t.restore(safe)
					t.writeJSONEvent("content_block_delta", parsed)
				}
				return
			}
		}
		// input_json_delta and friends pass through unchanged.
		t.passThrough(lines)
		return
	}

	if evType == "content_block_stop" {
		t.flushPendingBlock(idx)
	}
	t.passThrough(lines)
}

func blockIndex(parsed map[string]any) int {
	if v, ok := parsed["index"].(float64); ok {
		return int(v)
	}
	return 0
}

// ─── Flushing ───────────────────────────────────────────────────────────────

// flushPendingBlock emits whatever is buffered for one content block as a
// synthetic event. A partial placeholder that never completed goes out
// verbatim; a truncated stream cannot invent missing bytes.
func (t *transformer) flushPendingBlock(idx int) {
	text := t.pending[idx]
	if text == "" {
		return
	}
	delete(t.pending, idx)
	restored := t.restore(text)

	switch t.framing {
	case FramingOpenAI:
		t.writeJSONEvent("", map[string]any{
			"choices": []any{
				map[string]any{"index": 0, "delta": map[string]any{"content": restored}},
			},
		})
	case FramingAnthropic:
		t.writeJSONEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "text_delta", "text": restored},
		})
	}
}

func (t *transformer) flushPending() {
	for idx := range t.pending {
		t.flushPendingBlock(idx)
	}
}

// finish flushes the remaining buffers and closes the output. io.EOF closes
// cleanly; any other upstream error propagates downstream unchanged.
func (t *transformer) finish(readErr error) {
	if len(t.event) > 0 {
		ev := t.event
		t.event = nil
		t.handleEvent(ev)
	}
	if len(t.lineBuf) > 0 {
		line := strings.TrimSuffix(string(t.lineBuf), "\r")
		t.lineBuf = nil
		if line != "" {
			t.handleEvent([]string{line})
		}
	}
	t.flushPending()

	if c, ok := t.upstream.(io.Closer); ok {
		c.Close()
	}
	if readErr != nil && readErr != io.EOF {
		t.pw.CloseWithError(readErr)
		return
	}
	t.pw.Close()
}

// ─── Output helpers ─────────────────────────────────────────────────────────

func (t *transformer) passThrough(lines []string) {
	t.write(strings.Join(lines, "\n") + "\n\n")
}

func (t *transformer) writeJSONEvent(eventName string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if eventName != "" {
		t.write(fmt.Sprintf("event: %s\ndata: %s\n\n", eventName, raw))
	} else {
		t.write(fmt.Sprintf("data: %s\n\n", raw))
	}
}

func (t *transformer) write(s string) {
	if t.err != nil {
		return
	}
	if _, err := t.pw.Write([]byte(s)); err != nil {
		t.err = err
	}
}

func dataField(lines []string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			return strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "), true
		}
	}
	return "", false
}

// splitSafe cuts text into a prefix that can be restored and emitted now and
// a tail that might still grow into a placeholder. The cut sits at the last
// `[[` with no matching `]]` after it; a lone trailing `[` is also held back
// since the next chunk may complete the opening delimiter.
func splitSafe(text string) (safe, rest string) {
	if text == "" {
		return "", ""
	}
	if idx := strings.LastIndex(text, "[["); idx >= 0 && !strings.Contains(text[idx:], "]]") {
		return text[:idx], text[idx:]
	}
	if strings.HasSuffix(text, "[") {
		return text[:len(text)-1], "["
	}
	return text, ""
}
