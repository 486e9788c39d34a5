package realtime

import (
	"strings"

	"github.com/golang/glog"
)

// document channel = document name verbatim
// awareness channel = document name + AwarenessChannelSuffix
const AwarenessChannelSuffix = "-awareness"

func DocChannel(name string) string {
	return name
}

func AwarenessChannel(name string) string {
	return name + AwarenessChannelSuffix
}

// ChannelRouter dispatches every inbound bus message to the local
// binding for its channel. The router itself is the origin tag on every
// merge it performs, so downstream publish paths can recognize remote
// changes and not echo them back onto the bus.
type ChannelRouter struct {
	registry *DocRegistry
	bus      MessageBus

	removeReceiveCallback func()
}

func newChannelRouter(registry *DocRegistry, bus MessageBus) *ChannelRouter {
	router := &ChannelRouter{
		registry: registry,
		bus:      bus,
	}
	router.removeReceiveCallback = bus.AddReceiveCallback(router.route)
	return router
}

func (self *ChannelRouter) route(channel string, payload []byte) {
	if name, ok := strings.CutSuffix(channel, AwarenessChannelSuffix); ok {
		binding := self.registry.Get(name)
		if binding == nil {
			// the binding may have been destroyed with messages in flight
			glog.V(2).Infof("[router]%s awareness for inactive doc\n", name)
			return
		}
		binding.doc.Awareness().ApplyDelta(payload, self)
		return
	}

	binding, present := self.registry.lookup(channel)
	if binding == nil {
		if present {
			// a bind reserved the name and subscribed, but has not
			// installed the binding yet. drop the payload and keep the
			// subscription; the broker only delivers from subscribe time,
			// so this loses nothing a slightly later subscribe would have
			// seen.
			glog.V(2).Infof("[router]%s delivery during bind, dropped\n", channel)
			return
		}
		// no local listener for this channel anymore.
		// unsubscribe so the bus stops delivering, otherwise dead
		// channels accumulate for the life of the process.
		glog.V(1).Infof("[router]%s orphaned delivery, unsubscribing\n", channel)
		self.bus.Unsubscribe(channel)
		return
	}
	if err := binding.doc.ApplyUpdate(payload, self); err != nil {
		glog.Infof("[router]%s apply error = %s\n", channel, err)
	}
}

func (self *ChannelRouter) close() {
	self.removeReceiveCallback()
}
