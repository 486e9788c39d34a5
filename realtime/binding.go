package realtime

import (
	"github.com/golang/glog"
)

// DocBinding couples one SharedDoc to its pair of bus channels.
// Created only through DocRegistry.Bind, which enforces at most one
// binding per name per process.
type DocBinding struct {
	registry *DocRegistry
	name     string
	doc      *SharedDoc

	removeUpdateCallback    func()
	removeAwarenessCallback func()
}

func newDocBinding(registry *DocRegistry, name string, doc *SharedDoc) (*DocBinding, error) {
	binding := &DocBinding{
		registry: registry,
		name:     name,
		doc:      doc,
	}

	// every local mutation from here on is re-published to the bus.
	// changes merged by the router carry the router as origin and are
	// excluded, which is what breaks the publish-receive feedback loop.
	binding.removeUpdateCallback = doc.AddUpdateCallback(func(update []byte, origin any) {
		if origin == registry.router {
			return
		}
		binding.publish(DocChannel(name), update)
	})
	binding.removeAwarenessCallback = doc.Awareness().AddUpdateCallback(func(delta []byte, origin any) {
		if origin == registry.router {
			return
		}
		binding.publish(AwarenessChannel(name), delta)
	})

	if err := registry.bus.Subscribe(DocChannel(name), AwarenessChannel(name)); err != nil {
		binding.removeUpdateCallback()
		binding.removeAwarenessCallback()
		return nil, err
	}

	return binding, nil
}

// a doc with local history converges already-subscribed peers now
// instead of on the next local edit. called by the registry once the
// binding is installed, so the echo of this publish routes normally.
func (self *DocBinding) announce() {
	if self.doc.HasState() {
		self.publish(DocChannel(self.name), self.doc.EncodeStateAsUpdate())
	}
}

func (self *DocBinding) Name() string {
	return self.name
}

func (self *DocBinding) Doc() *SharedDoc {
	return self.doc
}

func (self *DocBinding) publish(channel string, payload []byte) {
	// an unpublishable payload is dropped. the local replica already
	// applied it, and the full-state publish on the next bind
	// resynchronizes peers after an outage.
	if err := self.registry.bus.Publish(channel, payload); err != nil {
		glog.Infof("[binding]%s dropped %d bytes = %s\n", channel, len(payload), err)
	}
}

// Destroy detaches the local listeners, removes the binding from its
// registry, and unsubscribes both channels, in that order. Returns false
// when another party already destroyed this binding.
func (self *DocBinding) Destroy() bool {
	// listener detachment first, so nothing publishes on a channel that
	// is being torn down
	self.removeUpdateCallback()
	self.removeAwarenessCallback()

	if !self.registry.remove(self.name, self) {
		return false
	}

	self.registry.bus.Unsubscribe(DocChannel(self.name), AwarenessChannel(self.name))
	glog.V(1).Infof("[binding]%s destroyed\n", self.name)
	return true
}
