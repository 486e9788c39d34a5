package realtime

import (
	"errors"
	"sync"
)

// in-memory broker for tests. every endpoint sees every publish on a
// channel it subscribes, including its own (the broker echoes to the
// publisher, which is what the no-echo origin tagging has to survive).
type memBusHub struct {
	mutex sync.Mutex
	buses []*memBus

	// deliver every message twice to exercise at-least-once tolerance
	duplicateDelivery bool
}

func newMemBusHub() *memBusHub {
	return &memBusHub{}
}

func (self *memBusHub) connect() *memBus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	bus := &memBus{
		hub:              self,
		subscribed:       map[string]bool{},
		receiveCallbacks: NewCallbackList[BusReceiveFunction](),
	}
	self.buses = append(self.buses, bus)
	return bus
}

func (self *memBusHub) broadcast(channel string, payload []byte) {
	self.mutex.Lock()
	buses := append([]*memBus{}, self.buses...)
	duplicateDelivery := self.duplicateDelivery
	self.mutex.Unlock()

	for _, bus := range buses {
		bus.deliver(channel, payload)
		if duplicateDelivery {
			bus.deliver(channel, payload)
		}
	}
}

type memBusMessage struct {
	channel string
	payload []byte
}

type memBus struct {
	hub *memBusHub

	mutex        sync.Mutex
	closed       bool
	subscribed   map[string]bool
	unsubscribes []string
	published    []memBusMessage

	receiveCallbacks *CallbackList[BusReceiveFunction]
}

func (self *memBus) Publish(channel string, payload []byte) error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return errors.New("bus closed")
	}
	self.published = append(self.published, memBusMessage{
		channel: channel,
		payload: append([]byte{}, payload...),
	})
	self.mutex.Unlock()

	self.hub.broadcast(channel, payload)
	return nil
}

func (self *memBus) Subscribe(channels ...string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return errors.New("bus closed")
	}
	for _, channel := range channels {
		self.subscribed[channel] = true
	}
	return nil
}

func (self *memBus) Unsubscribe(channels ...string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, channel := range channels {
		delete(self.subscribed, channel)
		self.unsubscribes = append(self.unsubscribes, channel)
	}
	return nil
}

func (self *memBus) AddReceiveCallback(receiveCallback BusReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *memBus) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
	return nil
}

func (self *memBus) deliver(channel string, payload []byte) {
	self.mutex.Lock()
	subscribed := self.subscribed[channel]
	closed := self.closed
	self.mutex.Unlock()
	if !subscribed || closed {
		return
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		receiveCallback(channel, payload)
	}
}

func (self *memBus) publishedOn(channel string) [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	payloads := [][]byte{}
	for _, message := range self.published {
		if message.channel == channel {
			payloads = append(payloads, message.payload)
		}
	}
	return payloads
}

func (self *memBus) unsubscribedChannels() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.unsubscribes...)
}

func (self *memBus) isSubscribed(channel string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscribed[channel]
}

func (self *memBus) isClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}
