package realtime

import (
	"bytes"
	"sync"

	"github.com/golang/glog"
)

// Merger is the pluggable CRDT merge algorithm behind a shared document.
// Updates are opaque binary deltas. The merge must be commutative,
// associative, and idempotent; this layer assumes that and does not
// enforce it. `changed` reports whether the merge moved the state, so
// that duplicate and echoed deliveries produce no notifications.
type Merger interface {
	ApplyUpdate(update []byte) (changed bool, err error)
	EncodeState() []byte
	HasState() bool
}

// (update, origin)
// origin is the identity of the immediate propagation path that produced
// the change, or nil for a plain local edit
type UpdateFunction = func(update []byte, origin any)

// SharedDoc is the single in-process replica of one named document.
// All mutation is serialized through one lock, so the merger never sees
// concurrent access. One applied update fires at most one notification.
type SharedDoc struct {
	name string

	stateLock sync.Mutex
	merger    Merger

	awareness *Awareness

	updateCallbacks *CallbackList[UpdateFunction]
}

func NewSharedDoc(name string, merger Merger) *SharedDoc {
	return &SharedDoc{
		name:            name,
		merger:          merger,
		awareness:       NewAwareness(),
		updateCallbacks: NewCallbackList[UpdateFunction](),
	}
}

func (self *SharedDoc) Name() string {
	return self.name
}

func (self *SharedDoc) Awareness() *Awareness {
	return self.awareness
}

func (self *SharedDoc) AddUpdateCallback(updateCallback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// applies one update as one transaction and notifies at most once.
// a merge that does not move the state (duplicate delivery, bus echo)
// notifies nobody.
func (self *SharedDoc) ApplyUpdate(update []byte, origin any) error {
	self.stateLock.Lock()
	changed, err := self.merger.ApplyUpdate(update)
	self.stateLock.Unlock()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	glog.V(2).Infof("[doc]%s apply %d bytes\n", self.name, len(update))
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback(update, origin)
	}
	return nil
}

func (self *SharedDoc) EncodeStateAsUpdate() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.merger.EncodeState()
}

func (self *SharedDoc) HasState() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.merger.HasState()
}

// (delta, origin)
type AwarenessUpdateFunction = func(delta []byte, origin any)

// Awareness holds the ephemeral per-session presence state for one
// document. State is last-write-wins per session and never persisted.
// Every merge carries an origin tag so a propagation path can recognize
// its own deltas and not re-broadcast them.
type Awareness struct {
	stateLock sync.Mutex
	states    map[Id][]byte

	updateCallbacks *CallbackList[AwarenessUpdateFunction]
}

func NewAwareness() *Awareness {
	return &Awareness{
		states:          map[Id][]byte{},
		updateCallbacks: NewCallbackList[AwarenessUpdateFunction](),
	}
}

func (self *Awareness) AddUpdateCallback(updateCallback AwarenessUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// delta wire form: 16-byte session id followed by the raw state bytes.
// an empty state clears the session.
func EncodeAwarenessDelta(sessionId Id, state []byte) []byte {
	delta := make([]byte, 0, 16+len(state))
	delta = append(delta, sessionId.Bytes()...)
	delta = append(delta, state...)
	return delta
}

func DecodeAwarenessDelta(delta []byte) (sessionId Id, state []byte, err error) {
	sessionId, err = IdFromBytes(delta[0:min(16, len(delta))])
	if err != nil {
		return
	}
	state = delta[16:]
	return
}

// merges one delta and notifies with the given origin.
// a delta that does not change the stored state notifies nobody, which
// keeps bus echoes from circulating.
func (self *Awareness) ApplyDelta(delta []byte, origin any) error {
	sessionId, state, err := DecodeAwarenessDelta(delta)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	existing, ok := self.states[sessionId]
	changed := false
	if len(state) == 0 {
		if ok {
			delete(self.states, sessionId)
			changed = true
		}
	} else if !ok || !bytes.Equal(existing, state) {
		self.states[sessionId] = append([]byte{}, state...)
		changed = true
	}
	self.stateLock.Unlock()

	if !changed {
		return nil
	}
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback(delta, origin)
	}
	return nil
}

// local set for one session. a nil state removes the session.
func (self *Awareness) SetState(sessionId Id, state []byte, origin any) error {
	return self.ApplyDelta(EncodeAwarenessDelta(sessionId, state), origin)
}

// snapshot of the current session states
func (self *Awareness) States() map[Id][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	states := map[Id][]byte{}
	for sessionId, state := range self.states {
		states[sessionId] = state
	}
	return states
}
