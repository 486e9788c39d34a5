package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// (channel, payload)
type BusReceiveFunction = func(channel string, payload []byte)

// MessageBus is the duplex fan-out contract the replication layer is
// built on: named channels, at-least-once delivery, no ordering across
// channels, no state for channels with zero subscribers.
type MessageBus interface {
	Publish(channel string, payload []byte) error
	Subscribe(channels ...string) error
	Unsubscribe(channels ...string) error
	AddReceiveCallback(receiveCallback BusReceiveFunction) func()
	Close() error
}

type BusConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Db       int

	// takes precedence over the single endpoint when set
	ClusterAddrs []string
}

func (self *BusConfig) client() (redis.UniversalClient, error) {
	if 0 < len(self.ClusterAddrs) {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    self.ClusterAddrs,
			Username: self.Username,
			Password: self.Password,
		}), nil
	}
	if self.Host == "" {
		return nil, errors.New("bus config needs a host or cluster addrs")
	}
	port := self.Port
	if port == 0 {
		port = 6379
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", self.Host, port),
		Username: self.Username,
		Password: self.Password,
		DB:       self.Db,
	}), nil
}

type BusSettings struct {
	ReceiveBufferSize int
	PublishTimeout    time.Duration
}

func DefaultBusSettings() *BusSettings {
	return &BusSettings{
		ReceiveBufferSize: 128,
		PublishTimeout:    5 * time.Second,
	}
}

// PubSubBus wraps two redis connections: one for publishing and one held
// in subscribe mode. The wrapped protocol forbids issuing commands on a
// connection that is actively subscribed, hence the pair.
// Reconnection on connection loss is handled inside the client; while
// disconnected, publishes fail and are dropped by callers.
type PubSubBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	publishClient   redis.UniversalClient
	subscribeClient redis.UniversalClient
	pubSub          *redis.PubSub

	receiveCallbacks *CallbackList[BusReceiveFunction]

	settings *BusSettings
}

func NewPubSubBusWithDefaults(ctx context.Context, config *BusConfig) (*PubSubBus, error) {
	return NewPubSubBus(ctx, config, DefaultBusSettings())
}

func NewPubSubBus(ctx context.Context, config *BusConfig, settings *BusSettings) (*PubSubBus, error) {
	publishClient, err := config.client()
	if err != nil {
		return nil, err
	}
	subscribeClient, err := config.client()
	if err != nil {
		publishClient.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	bus := &PubSubBus{
		ctx:              cancelCtx,
		cancel:           cancel,
		publishClient:    publishClient,
		subscribeClient:  subscribeClient,
		pubSub:           subscribeClient.Subscribe(cancelCtx),
		receiveCallbacks: NewCallbackList[BusReceiveFunction](),
		settings:         settings,
	}
	go bus.run()
	return bus, nil
}

func (self *PubSubBus) run() {
	defer self.cancel()

	receive := self.pubSub.Channel(redis.WithChannelSize(self.settings.ReceiveBufferSize))
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-receive:
			if !ok {
				return
			}
			glog.V(2).Infof("[bus]<- %s (%d bytes)\n", message.Channel, len(message.Payload))
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					receiveCallback(message.Channel, []byte(message.Payload))
				})
			}
		}
	}
}

func (self *PubSubBus) Publish(channel string, payload []byte) error {
	publishCtx, publishCancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer publishCancel()
	err := self.publishClient.Publish(publishCtx, channel, payload).Err()
	if err != nil {
		glog.V(1).Infof("[bus]-> %s publish error = %s\n", channel, err)
	}
	return err
}

func (self *PubSubBus) Subscribe(channels ...string) error {
	return self.pubSub.Subscribe(self.ctx, channels...)
}

func (self *PubSubBus) Unsubscribe(channels ...string) error {
	return self.pubSub.Unsubscribe(self.ctx, channels...)
}

func (self *PubSubBus) AddReceiveCallback(receiveCallback BusReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// closes the subscription and both connections
func (self *PubSubBus) Close() error {
	self.cancel()
	self.pubSub.Close()
	self.subscribeClient.Close()
	return self.publishClient.Close()
}
