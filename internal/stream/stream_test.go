package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasteguard/internal/placeholder"
)

// chunkReader delivers its chunks one Read at a time, mimicking arbitrary
// network fragmentation.
type chunkReader struct {
	chunks []string
	pos    int
	closed bool
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.pos])
	if n < len(r.chunks[r.pos]) {
		r.chunks[r.pos] = r.chunks[r.pos][n:]
	} else {
		r.pos++
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func emailCtx(t *testing.T) *placeholder.Context {
	t.Helper()
	ctx := placeholder.NewContext()
	masked := placeholder.Replace("a@b.com", []placeholder.Target{{Start: 0, End: 7, Type: "EMAIL_ADDRESS"}}, ctx, placeholder.MintPII)
	require.Equal(t, "[[EMAIL_ADDRESS_1]]", masked)
	return ctx
}

func restoreFn(ctx *placeholder.Context) RestoreFunc {
	return func(text string) string { return placeholder.Restore(text, ctx, nil) }
}

func collect(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

// openaiContents extracts every delta content string from OpenAI SSE output.
func openaiContents(t *testing.T, out string) []string {
	t.Helper()
	var contents []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var parsed map[string]any
		require.NoError(t, json.Unmarshal([]byte(line[6:]), &parsed))
		if text, ok := openaiDeltaContent(parsed); ok {
			contents = append(contents, text)
		}
	}
	return contents
}

// anthropicTexts extracts every text_delta string from Anthropic SSE output.
func anthropicTexts(t *testing.T, out string) []string {
	t.Helper()
	var texts []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var parsed map[string]any
		require.NoError(t, json.Unmarshal([]byte(line[6:]), &parsed))
		delta, _ := parsed["delta"].(map[string]any)
		if text, ok := delta["text"].(string); ok && delta["type"] == "text_delta" {
			texts = append(texts, text)
		}
	}
	return texts
}

func TestOpenAI_PlaceholderSplitAcrossChunks(t *testing.T) {
	ctx := emailCtx(t)
	upstream := &chunkReader{chunks: []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hello [[EMAIL_\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"ADDRESS_1]] world\"}}]}\n\n",
		"data: [DONE]\n\n",
	}}

	out := collect(t, NewTransformer(upstream, FramingOpenAI, restoreFn(ctx)))

	contents := openaiContents(t, out)
	assert.Equal(t, "Hello a@b.com world", strings.Join(contents, ""))
	for _, c := range contents {
		assert.NotContains(t, c, "[[EMAIL_", "no frame may carry a partial placeholder")
	}
	assert.Contains(t, out, "data: [DONE]")
	assert.True(t, upstream.closed, "upstream released at end of stream")
}

func TestOpenAI_ConcatEqualsRestore(t *testing.T) {
	// For any chunking of the text, concatenated output equals a one-shot
	// restore.
	ctx := emailCtx(t)
	text := "ping [[EMAIL_ADDRESS_1]] pong [[EMAIL_ADDRESS_1]] end [["

	for size := 1; size <= len(text); size++ {
		var events []string
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			payload, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": text[i:end]}}},
			})
			events = append(events, "data: "+string(payload)+"\n\n")
		}
		events = append(events, "data: [DONE]\n\n")

		out := collect(t, NewTransformer(&chunkReader{chunks: events}, FramingOpenAI, restoreFn(ctx)))
		joined := strings.Join(openaiContents(t, out), "")
		assert.Equal(t, placeholder.Restore(text, ctx, nil), joined, "chunk size %d", size)
	}
}

func TestOpenAI_BytesSplitMidLine(t *testing.T) {
	// The byte stream itself can fragment anywhere, including inside a line.
	ctx := emailCtx(t)
	full := "data: {\"choices\":[{\"delta\":{\"content\":\"see [[EMAIL_ADDRESS_1]]!\"}}]}\n\ndata: [DONE]\n\n"

	for size := 1; size < 40; size++ {
		var chunks []string
		for i := 0; i < len(full); i += size {
			end := i + size
			if end > len(full) {
				end = len(full)
			}
			chunks = append(chunks, full[i:end])
		}
		out := collect(t, NewTransformer(&chunkReader{chunks: chunks}, FramingOpenAI, restoreFn(ctx)))
		assert.Equal(t, "see a@b.com!", strings.Join(openaiContents(t, out), ""), "chunk size %d", size)
	}
}

func TestOpenAI_TruncatedPlaceholderFlushedVerbatim(t *testing.T) {
	ctx := emailCtx(t)
	upstream := &chunkReader{chunks: []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"tail [[EMAIL_ADD\"}}]}\n\n",
	}}

	out := collect(t, NewTransformer(upstream, FramingOpenAI, restoreFn(ctx)))
	assert.Equal(t, "tail [[EMAIL_ADD", strings.Join(openaiContents(t, out), ""),
		"a never-completed placeholder is emitted verbatim at stream end")
}

func TestOpenAI_NonDeltaEventsPassThrough(t *testing.T) {
	ctx := emailCtx(t)
	ev := "data: {\"object\":\"chat.completion.chunk\",\"usage\":{\"total_tokens\":9}}\n\n"
	upstream := &chunkReader{chunks: []string{ev, "data: [DONE]\n\n"}}

	out := collect(t, NewTransformer(upstream, FramingOpenAI, restoreFn(ctx)))
	assert.Contains(t, out, ev)
}

func TestAnthropic_TextDeltaRestored(t *testing.T) {
	ctx := emailCtx(t)
	upstream := &chunkReader{chunks: []string{
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"mail [[EMAIL_\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ADDRESS_1]] ok\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
	}}

	out := collect(t, NewTransformer(upstream, FramingAnthropic, restoreFn(ctx)))

	assert.Equal(t, "mail a@b.com ok", strings.Join(anthropicTexts(t, out), ""))
	assert.NotContains(t, out, "[[EMAIL_")
	assert.Contains(t, out, "content_block_stop")
}

func TestAnthropic_PassthroughByteIdentical(t *testing.T) {
	ctx := emailCtx(t)
	ping := "event: ping\ndata: {\"type\": \"ping\"}\n\n"
	stop := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	upstream := &chunkReader{chunks: []string{ping, stop}}

	out := collect(t, NewTransformer(upstream, FramingAnthropic, restoreFn(ctx)))
	assert.Equal(t, ping+stop, out)
}

func TestAnthropic_InputJSONDeltaPassesThrough(t *testing.T) {
	ctx := emailCtx(t)
	ev := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n"
	upstream := &chunkReader{chunks: []string{ev}}

	out := collect(t, NewTransformer(upstream, FramingAnthropic, restoreFn(ctx)))
	assert.Equal(t, ev, out)
}

func TestAnthropic_ClosingDeltaCompletesPlaceholder(t *testing.T) {
	ctx := emailCtx(t)
	upstream := &chunkReader{chunks: []string{
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"x [[EMAIL_ADDRESS_1\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"]]\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
	}}

	out := collect(t, NewTransformer(upstream, FramingAnthropic, restoreFn(ctx)))
	assert.Equal(t, "x a@b.com", strings.Join(anthropicTexts(t, out), ""))
	assert.NotContains(t, out, "EMAIL_ADDRESS_1")
}

func TestTransformer_UpstreamErrorPropagates(t *testing.T) {
	ctx := emailCtx(t)
	boom := errors.New("upstream reset")
	upstream := &chunkReader{
		chunks: []string{"data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"},
		err:    boom,
	}

	r := NewTransformer(upstream, FramingOpenAI, restoreFn(ctx))
	out, err := io.ReadAll(r)
	require.ErrorIs(t, err, boom)
	// Safe bytes were flushed before the error closed the stream.
	assert.Contains(t, string(out), "partial")
}

func TestSplitSafe(t *testing.T) {
	cases := []struct {
		in, safe, rest string
	}{
		{"", "", ""},
		{"plain text", "plain text", ""},
		{"done [[X_1]] ok", "done [[X_1]] ok", ""},
		{"start [[X_", "start ", "[[X_"},
		{"a [[X_1]] b [[Y_", "a [[X_1]] b ", "[[Y_"},
		{"ends with [", "ends with ", "["},
		{"closed [[X_1]] then [", "closed [[X_1]] then ", "["},
		{"[[", "", "[["},
	}
	for _, tc := range cases {
		safe, rest := splitSafe(tc.in)
		assert.Equal(t, tc.safe, safe, "input %q", tc.in)
		assert.Equal(t, tc.rest, rest, "input %q", tc.in)
	}
}
