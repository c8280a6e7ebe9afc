package cdp

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Matcher selects events for a by-predicate waiter. Waiters whose matchers
// share a Key are treated as one entry and resolved together.
type Matcher interface {
	Match(ev *Event) bool
	Key() string
}

// Filter matches an event by method and by values found at gjson paths in
// the raw event object, e.g. {"params.response.status": 200}.
type Filter struct {
	Method string
	Fields map[string]interface{}
}

func (f Filter) Match(ev *Event) bool {
	if f.Method != "" && ev.Method != f.Method {
		return false
	}
	raw := ev.Raw
	if raw == nil {
		raw = rebuildRaw(ev)
	}
	for path, want := range f.Fields {
		got := gjson.GetBytes(raw, path)
		if !got.Exists() {
			return false
		}
		if !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// Key is the canonical form of the filter: method followed by the fields
// sorted by path, values JSON-encoded.
func (f Filter) Key() string {
	paths := make([]string, 0, len(f.Fields))
	for p := range f.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString("filter:")
	b.WriteString(f.Method)
	for _, p := range paths {
		b.WriteByte('|')
		b.WriteString(p)
		b.WriteByte('=')
		data, err := wire.Marshal(f.Fields[p])
		if err != nil {
			b.WriteString("?")
			continue
		}
		b.Write(data)
	}
	return b.String()
}

type funcMatcher struct {
	method string
	fn     func(*Event) bool
	key    string
}

var funcMatcherSeq atomic.Int64

// MatchFunc wraps a Go predicate. Each call yields a matcher with its own
// key, so two MatchFunc waiters are never merged.
func MatchFunc(method string, fn func(*Event) bool) Matcher {
	return &funcMatcher{
		method: method,
		fn:     fn,
		key:    "func:" + method + "#" + strconv.FormatInt(funcMatcherSeq.Add(1), 10),
	}
}

func (m *funcMatcher) Match(ev *Event) bool {
	if m.method != "" && ev.Method != m.method {
		return false
	}
	return m.fn(ev)
}

func (m *funcMatcher) Key() string { return m.key }

func rebuildRaw(ev *Event) []byte {
	data, err := wire.Marshal(message{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID})
	if err != nil {
		return nil
	}
	return data
}

func valueEqual(got gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case nil:
		return got.Type == gjson.Null
	case string:
		return got.Type == gjson.String && got.Str == w
	case bool:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == w
	case int:
		return got.Type == gjson.Number && got.Num == float64(w)
	case int64:
		return got.Type == gjson.Number && got.Num == float64(w)
	case float64:
		return got.Type == gjson.Number && got.Num == w
	}

	// Composite values compare in their JSON-decoded form.
	data, err := wire.Marshal(want)
	if err != nil {
		return false
	}
	var normalized interface{}
	if err := wire.Unmarshal(data, &normalized); err != nil {
		return false
	}
	return reflect.DeepEqual(got.Value(), normalized)
}
