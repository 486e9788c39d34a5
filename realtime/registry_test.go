package realtime

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegistryDuplicateBind(t *testing.T) {
	hub := newMemBusHub()
	registry := NewDocRegistry(context.Background(), hub.connect())

	binding, err := registry.Bind("doc-1", NewSharedDoc("doc-1", NewLwwState()))
	assert.Equal(t, nil, err)
	assert.NotEqual(t, binding, nil)

	// the second bind fails and the first binding stays intact
	_, err = registry.Bind("doc-1", NewSharedDoc("doc-1", NewLwwState()))
	assert.Equal(t, ErrAlreadyBound, err)
	assert.Equal(t, true, registry.Get("doc-1") == binding)
}

func TestRegistryCloseDoc(t *testing.T) {
	hub := newMemBusHub()
	bus := hub.connect()
	registry := NewDocRegistry(context.Background(), bus)

	// absent name is a no-op
	assert.Equal(t, false, registry.CloseDoc("doc-1"))

	registry.Bind("doc-1", NewSharedDoc("doc-1", NewLwwState()))
	assert.Equal(t, true, registry.CloseDoc("doc-1"))
	assert.Equal(t, true, registry.Get("doc-1") == nil)

	// already closed
	assert.Equal(t, false, registry.CloseDoc("doc-1"))
}

func TestRegistryDestroyAll(t *testing.T) {
	hub := newMemBusHub()
	bus := hub.connect()
	registry := NewDocRegistry(context.Background(), bus)

	docNames := []string{"doc-1", "doc-2", "doc-3"}
	for _, name := range docNames {
		_, err := registry.Bind(name, NewSharedDoc(name, NewLwwState()))
		assert.Equal(t, nil, err)
	}

	registry.DestroyAll()

	for _, name := range docNames {
		assert.Equal(t, true, registry.Get(name) == nil)
		assert.Equal(t, false, bus.isSubscribed(DocChannel(name)))
		assert.Equal(t, false, bus.isSubscribed(AwarenessChannel(name)))
	}
	assert.Equal(t, true, bus.isClosed())

	// publishing afterward fails cleanly, never panics
	err := bus.Publish("doc-1", []byte("late"))
	assert.NotEqual(t, err, nil)

	// a destroyed registry never binds again
	_, err = registry.Bind("doc-4", NewSharedDoc("doc-4", NewLwwState()))
	assert.Equal(t, ErrRegistryDestroyed, err)
	assert.Equal(t, true, registry.Get("doc-4") == nil)
}

func TestRegistryRebindAfterClose(t *testing.T) {
	hub := newMemBusHub()
	registry := NewDocRegistry(context.Background(), hub.connect())

	registry.Bind("doc-1", NewSharedDoc("doc-1", NewLwwState()))
	registry.CloseDoc("doc-1")

	_, err := registry.Bind("doc-1", NewSharedDoc("doc-1", NewLwwState()))
	assert.Equal(t, nil, err)
}
