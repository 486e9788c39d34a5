package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func newGatewayTestServer(attach AttachFunction) (*httptest.Server, []byte) {
	secret := []byte("gateway-test-secret")
	gateway := NewSessionGatewayWithDefaults(NewJwtVerifier(secret), attach)
	router := mux.NewRouter()
	router.Handle("/realtime/{docId}", gateway)
	return httptest.NewServer(router), secret
}

func wsUrl(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func dialWithCookie(url string, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", "auth_token="+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

func TestGatewayRejectsMissingCredential(t *testing.T) {
	attached := false
	server, _ := newGatewayTestServer(func(conn *websocket.Conn, docId string, principal *Principal) {
		attached = true
	})
	defer server.Close()

	conn, err := dialWithCookie(wsUrl(server, "/realtime/doc-1"), "")
	assert.Equal(t, nil, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Equal(t, true, websocket.IsCloseError(err, CloseCodeAuthRejected))
	assert.Equal(t, false, attached)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	attached := false
	server, _ := newGatewayTestServer(func(conn *websocket.Conn, docId string, principal *Principal) {
		attached = true
	})
	defer server.Close()

	conn, err := dialWithCookie(wsUrl(server, "/realtime/doc-1"), "bogus-token")
	assert.Equal(t, nil, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Equal(t, true, websocket.IsCloseError(err, CloseCodeAuthRejected))
	assert.Equal(t, false, attached)
}

func TestGatewayAttachesVerifiedSession(t *testing.T) {
	type attachEvent struct {
		docId     string
		principal *Principal
	}
	attachEvents := make(chan attachEvent, 1)

	server, secret := newGatewayTestServer(func(conn *websocket.Conn, docId string, principal *Principal) {
		attachEvents <- attachEvent{docId: docId, principal: principal}
	})
	defer server.Close()

	userId := NewId()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
		"email":   "dev@example.com",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	assert.Equal(t, nil, err)

	conn, err := dialWithCookie(wsUrl(server, "/realtime/doc-1"), token)
	assert.Equal(t, nil, err)
	defer conn.Close()

	select {
	case event := <-attachEvents:
		assert.Equal(t, "doc-1", event.docId)
		assert.Equal(t, userId, event.principal.UserId)
	case <-time.After(2 * time.Second):
		t.Fatal("session never attached")
	}
}

func TestGatewaySurvivesPanickingHandler(t *testing.T) {
	server, secret := newGatewayTestServer(func(conn *websocket.Conn, docId string, principal *Principal) {
		panic("handler blew up")
	})
	defer server.Close()

	token, _ := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"email": "dev@example.com",
	}).SignedString(secret)

	conn, err := dialWithCookie(wsUrl(server, "/realtime/doc-1"), token)
	assert.Equal(t, nil, err)
	conn.Close()

	// the gateway recovered and keeps admitting connections
	conn2, err := dialWithCookie(wsUrl(server, "/realtime/doc-1"), token)
	assert.Equal(t, nil, err)
	conn2.Close()
}
