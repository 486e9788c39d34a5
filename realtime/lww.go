package realtime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
)

// LwwState is a last-writer-wins register, the reference merger for
// deployments that have not plugged in their own document codec.
// Update encoding: 8-byte big-endian clock, 16-byte actor id, value
// bytes. Merge keeps the greatest (clock, actor), which makes it
// commutative, associative, and idempotent.
type LwwState struct {
	actorId Id

	stateLock sync.Mutex
	clock     uint64
	winner    []byte
}

func NewLwwState() *LwwState {
	return &LwwState{
		actorId: NewId(),
	}
}

const lwwHeaderByteCount = 8 + 16

func (self *LwwState) ApplyUpdate(update []byte) (bool, error) {
	if len(update) == 0 {
		// empty state snapshot from a peer with no history
		return false, nil
	}
	if len(update) < lwwHeaderByteCount {
		return false, errors.New("update too short")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clock := binary.BigEndian.Uint64(update[0:8])
	switch {
	case self.winner == nil:
		return self.apply(clock, update), nil
	case clock > self.clock:
		return self.apply(clock, update), nil
	case clock == self.clock && bytes.Compare(update[8:24], self.winner[8:24]) > 0:
		return self.apply(clock, update), nil
	}
	return false, nil
}

func (self *LwwState) apply(clock uint64, update []byte) bool {
	if bytes.Equal(self.winner, update) {
		return false
	}
	self.clock = clock
	self.winner = append([]byte{}, update...)
	return true
}

func (self *LwwState) EncodeState() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.winner == nil {
		return []byte{}
	}
	return append([]byte{}, self.winner...)
}

func (self *LwwState) HasState() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.winner != nil
}

// mints a local update above every observed clock
func (self *LwwState) NextUpdate(value []byte) []byte {
	self.stateLock.Lock()
	clock := self.clock + 1
	self.stateLock.Unlock()

	update := make([]byte, lwwHeaderByteCount, lwwHeaderByteCount+len(value))
	binary.BigEndian.PutUint64(update[0:8], clock)
	copy(update[8:24], self.actorId.Bytes())
	return append(update, value...)
}

// the current winning value
func (self *LwwState) Value() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.winner == nil {
		return nil
	}
	return append([]byte{}, self.winner[lwwHeaderByteCount:]...)
}
