package agent

import (
	"strconv"
	"strings"
)

// Pair is one forwarding-context entry.
type Pair struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Context is the ordered set of key/value pairs forwarded to the runtime on
// every call for a session. Keys are unique.
type Context []Pair

// NewContext builds a Context from alternating key, value arguments. A
// trailing key without a value is ignored.
func NewContext(kv ...string) Context {
	var c Context
	for i := 0; i+1 < len(kv); i += 2 {
		c = c.Set(kv[i], kv[i+1])
	}
	return c
}

// Get returns the value for key.
func (c Context) Get(key string) (string, bool) {
	for _, p := range c {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set returns a context with key set to value. An existing key keeps its
// position; a new key is appended. The receiver is not modified.
func (c Context) Set(key, value string) Context {
	out := c.Clone()
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Pair{Key: key, Value: value})
}

// Merge returns c extended with extra, applied in order with Set semantics.
func (c Context) Merge(extra Context) Context {
	out := c.Clone()
	for _, p := range extra {
		out = out.Set(p.Key, p.Value)
	}
	return out
}

// Clone returns an independent copy.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	return append(Context(nil), c...)
}

// Map flattens the context. Order is lost.
func (c Context) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, p := range c {
		m[p.Key] = p.Value
	}
	return m
}

// ParsePairs parses "key=value" strings, as given on a command line.
func ParsePairs(items []string) (Context, error) {
	var c Context
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &PairError{Item: item}
		}
		c = c.Set(k, v)
	}
	return c, nil
}

// PairError reports a malformed key=value item.
type PairError struct {
	Item string
}

func (e *PairError) Error() string {
	return "agent: malformed context pair " + strconv.Quote(e.Item) + ", want key=value"
}
