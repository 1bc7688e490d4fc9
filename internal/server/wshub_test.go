package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibekit/vibekit/internal/server"
	"github.com/vibekit/vibekit/internal/status"
)

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newHubServer(t *testing.T) (*server.Hub, *status.Channel, *httptest.Server) {
	t.Helper()
	ch := status.New(nil)
	t.Cleanup(ch.Close)
	hub := server.NewHub(ch, nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)
	return hub, ch, ts
}

func issueToken(t *testing.T, ch *status.Channel) status.Token {
	t.Helper()
	tok, err := ch.IssueToken(status.TopicStatus)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	return tok
}

func TestNewWSMessage_MarshalsPayload(t *testing.T) {
	msg, err := server.NewWSMessage(server.MsgRunStatus, status.Event{Status: status.StatusDone, LogID: "run-1"})
	if err != nil {
		t.Fatalf("NewWSMessage error: %v", err)
	}

	if msg.Type != server.MsgRunStatus {
		t.Fatalf("expected type %q, got %q", server.MsgRunStatus, msg.Type)
	}
	if msg.Timestamp == "" {
		t.Fatal("expected non-empty timestamp")
	}

	var e status.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if e.LogID != "run-1" || e.Status != status.StatusDone {
		t.Fatalf("unexpected payload: %+v", e)
	}
}

func TestNewWSMessage_InvalidPayload_ReturnsError(t *testing.T) {
	_, err := server.NewWSMessage("test", make(chan int))
	if err == nil {
		t.Fatal("expected error for non-marshalable payload")
	}
}

func TestHub_ServeWS_MissingToken_Rejected(t *testing.T) {
	_, _, ts := newHubServer(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHub_ServeWS_UnknownToken_Rejected(t *testing.T) {
	_, _, ts := newHubServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestHub_ServeWS_StreamsStatusEvents(t *testing.T) {
	hub, ch, ts := newHubServer(t)

	conn := dialWS(t, ts.URL, issueToken(t, ch).ID)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := ch.Publish(status.TopicStatus, status.Event{Status: status.StatusCloningRepo, LogID: "run-1"}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading ws message: %v", err)
	}

	var msg server.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshaling envelope: %v", err)
	}
	if msg.Type != server.MsgRunStatus {
		t.Fatalf("got type %q, want %q", msg.Type, server.MsgRunStatus)
	}
	var e status.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if e.Status != status.StatusCloningRepo || e.LogID != "run-1" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestHub_ServeWS_TokenIsSingleUse(t *testing.T) {
	_, ch, ts := newHubServer(t)
	tok := issueToken(t, ch)

	dialWS(t, ts.URL, tok.ID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + tok.ID
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected second redemption of the token to fail")
	}
}

func TestHub_ServeWS_DisconnectDetachesSubscriber(t *testing.T) {
	hub, ch, ts := newHubServer(t)

	conn := dialWS(t, ts.URL, issueToken(t, ch).ID)
	waitFor(t, func() bool { return ch.SubscriberCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return ch.SubscriberCount() == 0 })
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
