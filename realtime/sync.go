package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// client-facing frame types. one type byte, then the raw payload.
const (
	FrameTypeDocUpdate byte = 0x00
	FrameTypeAwareness byte = 0x01
)

type SyncSettings struct {
	// how long a doc stays bound after the last session departs
	CloseDebounce time.Duration
	WriteTimeout  time.Duration
	PingTimeout   time.Duration
	ReadTimeout   time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		CloseDebounce: 10 * time.Second,
		WriteTimeout:  5 * time.Second,
		PingTimeout:   10 * time.Second,
		ReadTimeout:   30 * time.Second,
	}
}

// SyncHandler drives the client-facing sync protocol for attached
// connections: full state on join, client updates into the local
// replica, doc and awareness notifications out to every session except
// the one that originated the change. A departing session never
// destroys the binding by itself; the debounced last-departure close
// flushes and releases it.
type SyncHandler struct {
	ctx context.Context

	registry    *DocRegistry
	persistence Persistence
	newMerger   func() Merger

	stateLock   sync.Mutex
	docSessions map[string]map[*syncSession]bool
	closeTimers map[string]*time.Timer

	settings *SyncSettings
}

func NewSyncHandlerWithDefaults(
	ctx context.Context,
	registry *DocRegistry,
	persistence Persistence,
	newMerger func() Merger,
) *SyncHandler {
	return NewSyncHandler(ctx, registry, persistence, newMerger, DefaultSyncSettings())
}

func NewSyncHandler(
	ctx context.Context,
	registry *DocRegistry,
	persistence Persistence,
	newMerger func() Merger,
	settings *SyncSettings,
) *SyncHandler {
	return &SyncHandler{
		ctx:         ctx,
		registry:    registry,
		persistence: persistence,
		newMerger:   newMerger,
		docSessions: map[string]map[*syncSession]bool{},
		closeTimers: map[string]*time.Timer{},
		settings:    settings,
	}
}

type syncSession struct {
	sessionId Id
	conn      *websocket.Conn
	principal *Principal

	sendLock sync.Mutex

	// awareness session ids this connection has spoken for,
	// cleared on departure
	awarenessLock sync.Mutex
	awarenessIds  map[Id]bool
}

func (self *syncSession) write(frameType byte, payload []byte, timeout time.Duration) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.conn.SetWriteDeadline(time.Now().Add(timeout))
	frame := append([]byte{frameType}, payload...)
	return self.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (self *syncSession) track(awarenessId Id) {
	self.awarenessLock.Lock()
	defer self.awarenessLock.Unlock()
	self.awarenessIds[awarenessId] = true
}

func (self *syncSession) trackedAwarenessIds() []Id {
	self.awarenessLock.Lock()
	defer self.awarenessLock.Unlock()
	awarenessIds := []Id{}
	for awarenessId := range self.awarenessIds {
		awarenessIds = append(awarenessIds, awarenessId)
	}
	return awarenessIds
}

// HandleConnection is the gateway attach target. Blocks until the
// connection closes.
func (self *SyncHandler) HandleConnection(conn *websocket.Conn, docId string, principal *Principal) {
	defer conn.Close()

	session := &syncSession{
		sessionId:    NewId(),
		conn:         conn,
		principal:    principal,
		awarenessIds: map[Id]bool{},
	}

	// register the session before resolving the binding. a debounced
	// close in flight holds the state lock until the binding is gone, so
	// once addSession returns, either the close saw this session and
	// backed off, or getOrBind sees no binding and binds a fresh one.
	self.addSession(docId, session)

	binding, err := self.getOrBind(docId)
	if err != nil {
		glog.Infof("[sync]%s bind error = %s\n", docId, err)
		self.removeSession(docId, session, nil)
		return
	}
	doc := binding.Doc()

	glog.V(1).Infof("[sync]%s session %s (%s)\n", docId, session.sessionId, principal.Email)
	defer self.removeSession(docId, session, doc)

	removeUpdateCallback := doc.AddUpdateCallback(func(update []byte, origin any) {
		if origin == session {
			return
		}
		session.write(FrameTypeDocUpdate, update, self.settings.WriteTimeout)
	})
	defer removeUpdateCallback()

	removeAwarenessCallback := doc.Awareness().AddUpdateCallback(func(delta []byte, origin any) {
		if origin == session {
			return
		}
		session.write(FrameTypeAwareness, delta, self.settings.WriteTimeout)
	})
	defer removeAwarenessCallback()

	// converge the new session: full state, then the awareness snapshot
	if err := session.write(FrameTypeDocUpdate, doc.EncodeStateAsUpdate(), self.settings.WriteTimeout); err != nil {
		return
	}
	for awarenessId, state := range doc.Awareness().States() {
		session.write(FrameTypeAwareness, EncodeAwarenessDelta(awarenessId, state), self.settings.WriteTimeout)
	}

	pingCtx, pingCancel := context.WithCancel(self.ctx)
	defer pingCancel()
	go self.pingLoop(pingCtx, session)

	self.readLoop(session, doc, docId)
}

func (self *SyncHandler) readLoop(session *syncSession, doc *SharedDoc, docId string) {
	conn := session.conn
	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sync]%s session closed = %s\n", docId, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if len(frame) == 0 {
			continue
		}

		switch frame[0] {
		case FrameTypeDocUpdate:
			if err := doc.ApplyUpdate(frame[1:], session); err != nil {
				glog.Infof("[sync]%s client update error = %s\n", docId, err)
			}
		case FrameTypeAwareness:
			if awarenessId, _, err := DecodeAwarenessDelta(frame[1:]); err == nil {
				session.track(awarenessId)
				doc.Awareness().ApplyDelta(frame[1:], session)
			}
		default:
			// unknown frame type, ignore for forward compatibility
		}
	}
}

func (self *SyncHandler) pingLoop(ctx context.Context, session *syncSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		session.sendLock.Lock()
		session.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := session.conn.WriteMessage(websocket.PingMessage, nil)
		session.sendLock.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *SyncHandler) getOrBind(docId string) (*DocBinding, error) {
	for {
		if binding := self.registry.Get(docId); binding != nil {
			return binding, nil
		}

		doc := NewSharedDoc(docId, self.newMerger())
		if self.persistence != nil {
			// hydrate before binding so the full-state publish at bind
			// covers the stored history
			if err := self.persistence.BindState(self.ctx, docId, doc); err != nil {
				glog.Infof("[sync]%s hydrate error = %s\n", docId, err)
			}
		}

		binding, err := self.registry.Bind(docId, doc)
		if err == ErrAlreadyBound {
			// lost the race to another session
			continue
		}
		return binding, err
	}
}

func (self *SyncHandler) addSession(docId string, session *syncSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if closeTimer, ok := self.closeTimers[docId]; ok {
		closeTimer.Stop()
		delete(self.closeTimers, docId)
	}

	sessions, ok := self.docSessions[docId]
	if !ok {
		sessions = map[*syncSession]bool{}
		self.docSessions[docId] = sessions
	}
	sessions[session] = true
}

func (self *SyncHandler) removeSession(docId string, session *syncSession, doc *SharedDoc) {
	// drop this session's presence for everyone else.
	// doc is nil when the session never got a binding.
	if doc != nil {
		for _, awarenessId := range session.trackedAwarenessIds() {
			doc.Awareness().SetState(awarenessId, nil, session)
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sessions := self.docSessions[docId]
	delete(sessions, session)
	if 0 < len(sessions) {
		return
	}
	delete(self.docSessions, docId)

	// last session gone. debounce before flushing and releasing, a
	// reconnect inside the window keeps the binding warm.
	closeTimer := time.AfterFunc(self.settings.CloseDebounce, func() {
		self.closeDoc(docId)
	})
	self.closeTimers[docId] = closeTimer
}

func (self *SyncHandler) closeDoc(docId string) {
	// held across the flush and the release, so a session that registers
	// concurrently cannot resolve a binding this is about to destroy
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.closeTimers, docId)
	if 0 < len(self.docSessions[docId]) {
		// a session arrived while the timer was firing
		return
	}

	if binding := self.registry.Get(docId); binding != nil {
		if self.persistence != nil {
			if err := self.persistence.WriteState(self.ctx, docId, binding.Doc()); err != nil {
				glog.Infof("[sync]%s flush error = %s\n", docId, err)
			}
		}
		self.registry.CloseDoc(docId)
	}
	glog.V(1).Infof("[sync]%s released\n", docId)
}
