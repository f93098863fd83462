package task

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Context is the key-value document passed between tasks in a pipeline.
// Values are stored as raw JSON; a context serializes to a single JSON
// object per database row. Contexts are safe for concurrent use.
type Context struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]json.RawMessage)}
}

// ContextFromJSON deserializes a context from a single JSON object.
func ContextFromJSON(data []byte) (*Context, error) {
	values := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal context")
		}
	}
	return &Context{values: values}, nil
}

// Set stores a value under key, replacing any existing value.
func (c *Context) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal context value for key %q", key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = data
	return nil
}

// Get unmarshals the value stored under key into out. Returns false
// when the key is absent.
func (c *Context) Get(key string, out any) (bool, error) {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, errors.Wrapf(err, "failed to unmarshal context value for key %q", key)
	}
	return true, nil
}

// GetRaw returns the raw JSON stored under key.
func (c *Context) GetRaw(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.values[key]
	return raw, ok
}

// Delete removes key from the context.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns the context keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// IsEmpty reports whether the context has no keys. Empty contexts are
// not persisted.
func (c *Context) IsEmpty() bool {
	return c.Len() == 0
}

// Merge copies all entries of other into c, overwriting on conflict.
func (c *Context) Merge(other *Context) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range other.values {
		c.values[k] = v
	}
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := make(map[string]json.RawMessage, len(c.values))
	for k, v := range c.values {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		values[k] = cp
	}
	return &Context{values: values}
}

// ToJSON serializes the context as a single JSON object.
func (c *Context) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c.values)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal context")
	}
	return data, nil
}

// AsMap returns the context decoded into plain Go values, for handing
// to expression evaluators.
func (c *Context) AsMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		out[k] = val
	}
	return out
}
