// Package placeholder implements the request-scoped side-table binding
// wire-visible placeholders to the original sensitive values, and the
// replacement/restore engine that keeps the round trip lossless.
//
// Placeholder formats are fixed wire contracts:
//
//	PII:    [[PERSON_1]], [[EMAIL_ADDRESS_2]]
//	Secret: [[SECRET_MASKED_API_KEY_AWS_1]]
package placeholder

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Context is the per-request side-table. It is created at the start of one
// inbound request, threaded through the secret-masking pass, the PII-masking
// pass and the response path, and discarded when the response (or stream)
// completes. Never share a Context across requests.
type Context struct {
	mu       sync.Mutex
	mapping  map[string]string // placeholder -> original
	order    []string          // placeholders in insertion order
	reverse  map[string]string // original -> placeholder
	counters map[string]int    // type -> last issued index
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		mapping:  make(map[string]string),
		reverse:  make(map[string]string),
		counters: make(map[string]int),
	}
}

// SeedCounters pre-loads per-type counters so subsequently issued indices
// continue from the given values.
func (c *Context) SeedCounters(counters map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for typ, n := range counters {
		if n > 0 {
			c.counters[typ] = n
		}
	}
}

// Increment bumps the counter for typ (from 0 if absent) and returns the new
// value.
func (c *Context) Increment(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[typ]++
	return c.counters[typ]
}

func (c *Context) bind(placeholder, original string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mapping[placeholder]; !ok {
		c.order = append(c.order, placeholder)
	}
	c.mapping[placeholder] = original
	c.reverse[original] = placeholder
}

func (c *Context) lookupReverse(original string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.reverse[original]
	return p, ok
}

// Original returns the value bound to a placeholder.
func (c *Context) Original(placeholder string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.mapping[placeholder]
	return v, ok
}

// Len returns the number of bound placeholders.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mapping)
}

// Pair is one placeholder binding.
type Pair struct {
	Placeholder string
	Original    string
}

// Pairs returns all bindings in insertion order.
func (c *Context) Pairs() []Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pair, 0, len(c.order))
	for _, p := range c.order {
		out = append(out, Pair{Placeholder: p, Original: c.mapping[p]})
	}
	return out
}

// Mapping returns a copy of the placeholder -> original table.
func (c *Context) Mapping() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.mapping))
	for k, v := range c.mapping {
		out[k] = v
	}
	return out
}

// Counters returns a copy of the per-type counter table.
func (c *Context) Counters() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// FormatFunc renders a placeholder for a type and a counter value.
type FormatFunc func(typ string, n int) string

// PIIFormat renders [[TYPE_N]].
func PIIFormat(typ string, n int) string {
	return fmt.Sprintf("[[%s_%d]]", typ, n)
}

// SecretFormat renders [[SECRET_MASKED_TYPE_N]].
func SecretFormat(typ string, n int) string {
	return fmt.Sprintf("[[SECRET_MASKED_%s_%d]]", typ, n)
}

// IncrementAndGenerate issues the next index for typ and renders it.
func IncrementAndGenerate(typ string, ctx *Context, format FormatFunc) string {
	return format(typ, ctx.Increment(typ))
}

// Target is a resolved, non-overlapping span scheduled for replacement.
type Target struct {
	Start int // rune offset
	End   int // rune offset
	Type  string
}

// MintFunc issues a fresh placeholder for a type.
type MintFunc func(typ string, ctx *Context) string

// MintPII issues the next [[TYPE_N]] placeholder.
func MintPII(typ string, ctx *Context) string {
	return IncrementAndGenerate(typ, ctx, PIIFormat)
}

// MintSecret issues the next [[SECRET_MASKED_TYPE_N]] placeholder.
func MintSecret(typ string, ctx *Context) string {
	return IncrementAndGenerate(typ, ctx, SecretFormat)
}

// Replace substitutes every target span in text with a placeholder. Targets
// must already be non-overlapping (see span.ResolveConflicts and
// span.ResolveOverlaps).
//
// The first pass walks targets ascending by start and assigns placeholders:
// a value already present in the reverse mapping reuses its placeholder, so
// identical values collapse to one placeholder within a context. The second
// pass replaces descending by start, which keeps the not-yet-replaced
// offsets valid.
func Replace(text string, targets []Target, ctx *Context, mint MintFunc) string {
	if len(targets) == 0 {
		return text
	}

	runes := []rune(text)

	sorted := make([]Target, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	assigned := make([]string, len(sorted))
	for i, t := range sorted {
		if t.Start < 0 || t.End > len(runes) || t.Start >= t.End {
			continue
		}
		original := string(runes[t.Start:t.End])
		if p, ok := ctx.lookupReverse(original); ok {
			assigned[i] = p
			continue
		}
		p := mint(t.Type, ctx)
		ctx.bind(p, original)
		assigned[i] = p
	}

	for i := len(sorted) - 1; i >= 0; i-- {
		if assigned[i] == "" {
			continue
		}
		t := sorted[i]
		rest := append([]rune(assigned[i]), runes[t.End:]...)
		runes = append(runes[:t.Start], rest...)
	}

	return string(runes)
}

// ValueFunc optionally rewrites a restored value (e.g. to prepend a marker).
type ValueFunc func(original string) string

// Restore replaces every occurrence of every known placeholder in text with
// its original value (or format(original) when format is non-nil). Keys are
// processed longest first so a short placeholder like [[X_1]] can never
// corrupt a longer one like [[X_12]]. Matching is exact substring matching,
// not regex.
func Restore(text string, ctx *Context, format ValueFunc) string {
	if text == "" || ctx == nil || ctx.Len() == 0 {
		return text
	}

	pairs := ctx.Pairs()
	sort.SliceStable(pairs, func(i, j int) bool {
		return len(pairs[i].Placeholder) > len(pairs[j].Placeholder)
	})

	result := text
	for _, p := range pairs {
		if !strings.Contains(result, p.Placeholder) {
			continue
		}
		value := p.Original
		if format != nil {
			value = format(p.Original)
		}
		result = strings.ReplaceAll(result, p.Placeholder, value)
	}
	return result
}
