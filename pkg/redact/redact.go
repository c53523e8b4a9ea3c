// Package redact masks sensitive values in captured payloads before they
// leave process memory.
//
// An Engine walks maps and sequences up to a depth limit. Values stored under
// sensitive keys are replaced by Marker whatever their type; strings elsewhere
// are scanned for credential shapes and the matching spans are replaced in
// place. Redaction is idempotent, and anything the engine cannot classify is
// masked rather than passed through.
package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const minEntropyTokenLen = 32

var entropyCandidate = regexp.MustCompile(`[A-Za-z0-9+/_=]{32,}`)

// Engine applies a compiled Policy. It is safe for concurrent use.
type Engine struct {
	maxDepth   int
	tokens     map[string]struct{}
	substrings []string
	allow      []string
	patterns   []*regexp.Regexp
	entropy    bool
}

// New compiles p.
func New(p Policy) (*Engine, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		maxDepth: p.MaxDepth,
		tokens:   make(map[string]struct{}, len(p.KeyTokens)),
		entropy:  p.EntropyTokens != nil && *p.EntropyTokens,
	}
	for _, tok := range p.KeyTokens {
		e.tokens[strings.ToLower(strings.TrimSpace(tok))] = struct{}{}
	}
	for _, sub := range p.KeySubstrings {
		e.substrings = append(e.substrings, strings.ToLower(strings.TrimSpace(sub)))
	}
	for _, w := range p.KeyAllow {
		e.allow = append(e.allow, strings.ToLower(strings.TrimSpace(w)))
	}
	// Longest first so "keywords" is removed whole before "keyword".
	sort.Slice(e.allow, func(i, j int) bool { return len(e.allow[i]) > len(e.allow[j]) })
	for _, vp := range p.ValuePatterns {
		re, err := regexp.Compile(vp.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", vp.Name, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

var defaultEngine = func() *Engine {
	e, err := New(DefaultPolicy())
	if err != nil {
		panic(fmt.Sprintf("redact: default policy: %v", err))
	}
	return e
}()

// Default returns the engine built from DefaultPolicy.
func Default() *Engine {
	return defaultEngine
}

// Redact applies the default engine to v.
func Redact(v any) any {
	return defaultEngine.Redact(v)
}

// MaxDepth reports the configured depth limit.
func (e *Engine) MaxDepth() int {
	return e.maxDepth
}

// Redact returns a redacted copy of v. It never panics; a failure anywhere in
// the walk masks the whole value.
func (e *Engine) Redact(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = Marker
		}
	}()
	return e.walk(v, 0)
}

// RedactMap redacts a payload map, always returning a non-nil map.
func (e *Engine) RedactMap(m map[string]any) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]any{"payload": Marker}
		}
	}()
	if m == nil {
		return map[string]any{}
	}
	return e.walkMap(m, 0)
}

// SensitiveKey reports whether values under key must be masked.
func (e *Engine) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range e.allow {
		lower = strings.ReplaceAll(lower, w, " ")
	}
	for _, sub := range e.substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, tok := range splitKey(key) {
		if _, ok := e.tokens[tok]; ok {
			return true
		}
	}
	return false
}

// RedactString masks credential-shaped spans inside s.
func (e *Engine) RedactString(s string) string {
	if s == "" || s == Marker || s == TruncatedMarker {
		return s
	}
	for _, re := range e.patterns {
		s = re.ReplaceAllString(s, Marker)
	}
	if e.entropy {
		s = entropyCandidate.ReplaceAllStringFunc(s, func(tok string) string {
			if looksLikeSecret(tok) {
				return Marker
			}
			return tok
		})
	}
	return s
}

func (e *Engine) walk(v any, depth int) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return e.RedactString(t)
	case bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	case map[string]any:
		if depth >= e.maxDepth {
			return TruncatedMarker
		}
		return e.walkMap(t, depth)
	case []any:
		if depth >= e.maxDepth {
			return TruncatedMarker
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = e.walk(item, depth+1)
		}
		return out
	}
	return e.walkReflect(v, depth)
}

func (e *Engine) walkMap(m map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		if e.SensitiveKey(k) {
			out[k] = Marker
			continue
		}
		out[k] = e.walk(val, depth+1)
	}
	return out
}

func (e *Engine) walkReflect(v any, depth int) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return e.walk(rv.Elem().Interface(), depth)
	case reflect.String:
		return e.RedactString(rv.String())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return e.normalized(v, depth)
		}
		if depth >= e.maxDepth {
			return TruncatedMarker
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.walkMap(m, depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return e.normalized(v, depth)
		}
		if depth >= e.maxDepth {
			return TruncatedMarker
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = e.walk(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		return e.normalized(v, depth)
	default:
		return Marker
	}
}

// normalized re-encodes v through JSON and walks the generic result.
func (e *Engine) normalized(v any, depth int) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return Marker
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Marker
	}
	return e.walk(generic, depth)
}

// splitKey lowercases key and splits it on separators and camelCase
// boundaries: "X-Api-Key" and "apiKey" both yield [api key].
func splitKey(key string) []string {
	runes := []rune(key)
	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return parts
}

func looksLikeSecret(tok string) bool {
	if len(tok) < minEntropyTokenLen {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return false
	}
	return shannonEntropy(tok) >= 3.5
}

func shannonEntropy(s string) float64 {
	counts := make(map[rune]int, 64)
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
