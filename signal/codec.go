package signal

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec converts payloads to and from their wire form. Persistent storage
// implementations require one; in-memory storage keeps payloads as values
// and does not.
type Codec interface {
	Marshal(m Message) ([]byte, error)
	Unmarshal(typeURL string, data []byte) (Message, error)
}

// JSONCodec is a Codec that encodes payloads as JSON, resolving types
// through a registry of factories keyed by type URL.
type JSONCodec struct {
	mu        sync.RWMutex
	factories map[string]func() Message
}

// NewJSONCodec creates an empty JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{factories: make(map[string]func() Message)}
}

// RegisterType registers a factory producing an empty message of the type.
// The factory must return a pointer so Unmarshal can populate it.
func (c *JSONCodec) RegisterType(typeURL string, factory func() Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[typeURL] = factory
}

// Marshal implements Codec.
func (c *JSONCodec) Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.TypeURL(), err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(typeURL string, data []byte) (Message, error) {
	c.mu.RLock()
	factory, ok := c.factories[typeURL]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown payload type %q", typeURL)
	}
	m := factory()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", typeURL, err)
	}
	return m, nil
}
