package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// application close code for a rejected credential. clients must treat
// this as final and not reconnect; transient closes use the ordinary
// websocket codes.
const CloseCodeAuthRejected = 4401

// (conn, docId, principal)
type AttachFunction = func(conn *websocket.Conn, docId string, principal *Principal)

type SessionGatewaySettings struct {
	AuthCookieName    string
	DocQueryParameter string
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
}

func DefaultSessionGatewaySettings() *SessionGatewaySettings {
	return &SessionGatewaySettings{
		AuthCookieName:    "auth_token",
		DocQueryParameter: "doc",
		HandshakeTimeout:  2 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

// SessionGateway admits realtime connections. Per connection:
// unauthenticated -> authenticating -> attached, or rejected with
// CloseCodeAuthRejected before the sync handler ever sees it.
type SessionGateway struct {
	verifier TokenVerifier
	attach   AttachFunction

	upgrader websocket.Upgrader

	settings *SessionGatewaySettings
}

func NewSessionGatewayWithDefaults(verifier TokenVerifier, attach AttachFunction) *SessionGateway {
	return NewSessionGateway(verifier, attach, DefaultSessionGatewaySettings())
}

func NewSessionGateway(verifier TokenVerifier, attach AttachFunction, settings *SessionGatewaySettings) *SessionGateway {
	return &SessionGateway{
		verifier: verifier,
		attach:   attach,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			ReadBufferSize:   settings.ReadBufferSize,
			WriteBufferSize:  settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

func (self *SessionGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := self.credential(r)
	docId := self.docId(r)

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the http error
		return
	}

	if token == "" || docId == "" {
		self.reject(conn, "missing credential or doc id")
		return
	}

	principal := self.verifier.VerifyToken(token)
	if principal == nil {
		self.reject(conn, "credential did not verify")
		return
	}

	glog.V(1).Infof("[gateway]%s attach %s\n", docId, principal.UserId)

	// a misbehaving handler must never take down the gateway
	HandleError(func() {
		self.attach(conn, docId, principal)
	}, func(err error) {
		conn.Close()
	})
}

func (self *SessionGateway) credential(r *http.Request) string {
	if cookie, err := r.Cookie(self.settings.AuthCookieName); err == nil {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (self *SessionGateway) docId(r *http.Request) string {
	if docId, ok := mux.Vars(r)["docId"]; ok {
		return docId
	}
	return r.URL.Query().Get(self.settings.DocQueryParameter)
}

func (self *SessionGateway) reject(conn *websocket.Conn, reason string) {
	glog.Infof("[gateway]rejected session: %s\n", reason)
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseCodeAuthRejected, "authentication failed"),
		time.Now().Add(time.Second),
	)
	conn.Close()
}
