package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSharedDocNotifyOncePerUpdate(t *testing.T) {
	doc := NewSharedDoc("doc-1", NewLwwState())

	notifyCount := 0
	var notifyOrigin any
	removeCallback := doc.AddUpdateCallback(func(update []byte, origin any) {
		notifyCount += 1
		notifyOrigin = origin
	})

	origin := &struct{}{}
	lww := NewLwwState()
	update1 := lww.NextUpdate([]byte("a"))
	lww.ApplyUpdate(update1)
	assert.Equal(t, nil, doc.ApplyUpdate(update1, origin))
	assert.Equal(t, 1, notifyCount)
	assert.Equal(t, true, notifyOrigin == origin)

	// a duplicate changes nothing and notifies nobody
	assert.Equal(t, nil, doc.ApplyUpdate(update1, origin))
	assert.Equal(t, 1, notifyCount)

	// a removed handle stops notifications
	removeCallback()
	update2 := lww.NextUpdate([]byte("b"))
	assert.Equal(t, nil, doc.ApplyUpdate(update2, origin))
	assert.Equal(t, 1, notifyCount)
}

func TestSharedDocBadUpdateNoNotify(t *testing.T) {
	doc := NewSharedDoc("doc-1", NewLwwState())

	notifyCount := 0
	doc.AddUpdateCallback(func(update []byte, origin any) {
		notifyCount += 1
	})

	err := doc.ApplyUpdate([]byte{0x01}, nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, 0, notifyCount)
}

func TestAwarenessDeltaRoundTrip(t *testing.T) {
	sessionId := NewId()
	delta := EncodeAwarenessDelta(sessionId, []byte("cursor at 12"))

	decodedId, state, err := DecodeAwarenessDelta(delta)
	assert.Equal(t, nil, err)
	assert.Equal(t, sessionId, decodedId)
	assert.Equal(t, []byte("cursor at 12"), state)

	_, _, err = DecodeAwarenessDelta([]byte{0x01, 0x02})
	assert.NotEqual(t, err, nil)
}

func TestAwarenessMergeAndClear(t *testing.T) {
	awareness := NewAwareness()

	notifyCount := 0
	var notifyOrigin any
	awareness.AddUpdateCallback(func(delta []byte, origin any) {
		notifyCount += 1
		notifyOrigin = origin
	})

	sessionId := NewId()
	origin := &struct{}{}
	assert.Equal(t, nil, awareness.SetState(sessionId, []byte("here"), origin))
	assert.Equal(t, 1, notifyCount)
	assert.Equal(t, true, notifyOrigin == origin)
	assert.Equal(t, []byte("here"), awareness.States()[sessionId])

	// empty state clears the session
	assert.Equal(t, nil, awareness.SetState(sessionId, nil, origin))
	assert.Equal(t, 2, notifyCount)
	assert.Equal(t, 0, len(awareness.States()))
}

func TestAwarenessLastWritePerSession(t *testing.T) {
	awareness := NewAwareness()
	sessionId := NewId()

	awareness.ApplyDelta(EncodeAwarenessDelta(sessionId, []byte("a")), nil)
	awareness.ApplyDelta(EncodeAwarenessDelta(sessionId, []byte("b")), nil)

	states := awareness.States()
	assert.Equal(t, 1, len(states))
	assert.Equal(t, []byte("b"), states[sessionId])
}
