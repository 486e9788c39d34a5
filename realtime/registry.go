package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrAlreadyBound = fmt.Errorf("doc already bound in this process")
var ErrRegistryDestroyed = fmt.Errorf("registry destroyed")

// DocRegistry is the process-wide name -> binding map. It owns the
// channel router and the shutdown order: drain every binding, then close
// the bus connections.
type DocRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus    MessageBus
	router *ChannelRouter

	stateLock sync.Mutex
	bindings  map[string]*DocBinding
}

func NewDocRegistry(ctx context.Context, bus MessageBus) *DocRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := &DocRegistry{
		ctx:      cancelCtx,
		cancel:   cancel,
		bus:      bus,
		bindings: map[string]*DocBinding{},
	}
	registry.router = newChannelRouter(registry, bus)
	return registry
}

func (self *DocRegistry) Get(name string) *DocBinding {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.bindings[name]
}

// lookup distinguishes a name reserved by an in-flight bind (present
// with a nil binding) from a name that is not bound at all
func (self *DocRegistry) lookup(name string) (*DocBinding, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	binding, ok := self.bindings[name]
	return binding, ok
}

// Bind attaches `doc` to the bus channels for `name`. Binding a name
// that is already bound is a caller error, never silently merged.
func (self *DocRegistry) Bind(name string, doc *SharedDoc) (*DocBinding, error) {
	if self.ctx.Err() != nil {
		return nil, ErrRegistryDestroyed
	}

	self.stateLock.Lock()
	if _, ok := self.bindings[name]; ok {
		self.stateLock.Unlock()
		return nil, ErrAlreadyBound
	}
	// reserve the name before subscribing so a concurrent bind fails fast
	self.bindings[name] = nil
	self.stateLock.Unlock()

	binding, err := newDocBinding(self, name, doc)

	self.stateLock.Lock()
	if err != nil {
		delete(self.bindings, name)
	} else {
		self.bindings[name] = binding
	}
	self.stateLock.Unlock()

	if err != nil {
		return nil, err
	}
	binding.announce()
	glog.V(1).Infof("[registry]%s bound\n", name)
	return binding, nil
}

// removes the name if it still maps to `binding`
func (self *DocRegistry) remove(name string, binding *DocBinding) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.bindings[name] != binding {
		return false
	}
	delete(self.bindings, name)
	return true
}

// CloseDoc destroys the binding for `name` if present.
// A missing name is a no-op.
func (self *DocRegistry) CloseDoc(name string) bool {
	binding := self.Get(name)
	if binding == nil {
		return false
	}
	return binding.Destroy()
}

// DestroyAll swaps the map for an empty one, destroys every previously
// held binding concurrently, waits for all of them, then closes the bus.
// No new binding can land in the old map while the drain is in flight.
func (self *DocRegistry) DestroyAll() {
	self.cancel()

	self.stateLock.Lock()
	drained := self.bindings
	self.bindings = map[string]*DocBinding{}
	self.stateLock.Unlock()

	glog.Infof("[registry]draining %d bindings\n", len(drained))

	wg := &sync.WaitGroup{}
	for _, binding := range maps.Values(drained) {
		if binding == nil {
			continue
		}
		wg.Add(1)
		go func(binding *DocBinding) {
			defer wg.Done()
			HandleError(func() {
				// removal from the swapped-out map is already done;
				// this detaches listeners and unsubscribes
				binding.removeUpdateCallback()
				binding.removeAwarenessCallback()
				self.bus.Unsubscribe(DocChannel(binding.name), AwarenessChannel(binding.name))
			})
		}(binding)
	}
	wg.Wait()

	self.router.close()
	self.bus.Close()
}
