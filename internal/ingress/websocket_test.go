package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"parallelport/server/internal/auth"
	"parallelport/server/internal/logging"
	"parallelport/server/internal/telemetry"
)

type fakeRegistry struct {
	session  *telemetry.Session
	decision telemetry.Decision
	handled  int
}

func (f *fakeRegistry) Lookup(gameSessionID string) (*telemetry.Session, bool) {
	if f.session != nil && f.session.ID == gameSessionID {
		return f.session, true
	}
	return nil, false
}

func (f *fakeRegistry) HandleEvent(string, telemetry.Incoming) (telemetry.Decision, error) {
	f.handled++
	return f.decision, nil
}

func newTestServer(t *testing.T, reg *fakeRegistry, verifier *auth.EventVerifier) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHandler(reg, verifier, logging.NewTestLogger()))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, session, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?session=" + session + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func ptrInt64(v int64) *int64 { return &v }

func TestStreamRejectsUnknownSession(t *testing.T) {
	reg := &fakeRegistry{}
	verifier, _ := auth.NewEventVerifier("secret")
	server := newTestServer(t, reg, verifier)

	resp, err := http.Get(server.URL + "/?session=missing&token=tok")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", resp.StatusCode)
	}
}

func TestStreamAcksAcceptedEvents(t *testing.T) {
	verifier, _ := auth.NewEventVerifier("secret")
	session := telemetry.NewSession("u1", "tok", "g1", 1)
	reg := &fakeRegistry{session: session, decision: telemetry.Decision{Accepted: true}}
	server := newTestServer(t, reg, verifier)
	conn := dial(t, server, "g1", "tok")

	timestamp := time.Now().UnixMilli()
	msg := frame{
		Incoming: telemetry.Incoming{Kind: "start", Timestamp: ptrInt64(timestamp), Nonce: "n1"},
		Digest:   verifier.Digest("g1", "n1", timestamp, "tok"),
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var reply ack
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !reply.Accepted || reply.Critical || reply.Closed {
		t.Fatalf("unexpected ack %+v", reply)
	}
	if reg.handled != 1 {
		t.Fatalf("expected the event routed once, got %d", reg.handled)
	}
}

func TestStreamClosesOnBadDigest(t *testing.T) {
	verifier, _ := auth.NewEventVerifier("secret")
	session := telemetry.NewSession("u1", "tok", "g1", 1)
	reg := &fakeRegistry{session: session}
	server := newTestServer(t, reg, verifier)
	conn := dial(t, server, "g1", "tok")

	msg := frame{
		Incoming: telemetry.Incoming{Kind: "start", Timestamp: ptrInt64(time.Now().UnixMilli()), Nonce: "n1"},
		Digest:   "forged",
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var reply ack
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !reply.Closed {
		t.Fatalf("forged digest must close the stream, got %+v", reply)
	}
	if reg.handled != 0 {
		t.Fatal("forged event must never reach the registry")
	}
}

func TestStreamClosesOnCriticalDecision(t *testing.T) {
	verifier, _ := auth.NewEventVerifier("secret")
	session := telemetry.NewSession("u1", "tok", "g1", 1)
	reg := &fakeRegistry{session: session, decision: telemetry.Decision{Critical: true}}
	server := newTestServer(t, reg, verifier)
	conn := dial(t, server, "g1", "tok")

	timestamp := time.Now().UnixMilli()
	msg := frame{
		Incoming: telemetry.Incoming{Kind: "teleport", Timestamp: ptrInt64(timestamp), Nonce: "n1"},
		Digest:   verifier.Digest("g1", "n1", timestamp, "tok"),
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var reply ack
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.Accepted || !reply.Critical || !reply.Closed {
		t.Fatalf("unexpected ack %+v", reply)
	}
}
