package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/protocol"
	"github.com/mcdev12/livevote/go/internal/votes/table"
)

type testGateway struct {
	server *httptest.Server
	issuer *identity.Issuer
	store  *table.MemoryTable
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	store := table.NewMemoryTable()
	issuer, err := identity.NewIssuer(identity.IssuerConfig{Secret: []byte("gateway-test-secret-0123456789")})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	svc := NewService(DefaultConfig(), store, issuer, NewMetrics(nil))
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = svc.Start(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})

	return &testGateway{server: server, issuer: issuer, store: store}
}

func (g *testGateway) grant(t *testing.T) identity.Grant {
	t.Helper()
	grant, err := g.issuer.IssueAnonymous()
	if err != nil {
		t.Fatalf("IssueAnonymous() error = %v", err)
	}
	return grant
}

func (g *testGateway) socketURL(room, token string) string {
	q := url.Values{}
	if room != "" {
		q.Set("room", room)
	}
	if token != "" {
		q.Set("token", token)
	}
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/votes?" + q.Encode()
}

func (g *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.socketURL("", token), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*protocol.Frame) bool) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}
		if match(frame) {
			return frame
		}
	}
}

func reply(seq uint64) func(*protocol.Frame) bool {
	return func(f *protocol.Frame) bool {
		return (f.Type == protocol.FrameAck || f.Type == protocol.FrameError) && f.Seq == seq
	}
}

func isValue(f *protocol.Frame) bool {
	return f.Type == protocol.FrameValue
}

func TestSubscribeDeliversCurrentTableFirst(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	conn := g.dial(t, alice.Token)

	send(t, conn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 1})
	initial := readUntil(t, conn, isValue)
	if len(initial.Table) != 0 {
		t.Fatalf("initial table = %+v, want empty", initial.Table)
	}

	record := models.NewPlaceholderRecord("Alice")
	send(t, conn, protocol.Frame{Type: protocol.FrameSet, Seq: 2, Key: alice.ParticipantID, Record: &record})

	pushed := readUntil(t, conn, func(f *protocol.Frame) bool {
		return isValue(f) && len(f.Table) == 1
	})
	if got := pushed.Table[alice.ParticipantID]; got != record {
		t.Fatalf("pushed record = %+v, want %+v", got, record)
	}
}

func TestWriteToForeignKeyIsDenied(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	conn := g.dial(t, alice.Token)

	record := models.NewPlaceholderRecord("Mallory")
	send(t, conn, protocol.Frame{Type: protocol.FrameSet, Seq: 7, Key: "someone-else", Record: &record})

	f := readUntil(t, conn, reply(7))
	if f.Type != protocol.FrameError || f.Code != protocol.CodePermissionDenied {
		t.Fatalf("reply = %+v, want permission_denied", f)
	}

	snap, _ := g.store.Snapshot(context.Background(), table.DefaultRoom)
	if len(snap) != 0 {
		t.Fatalf("foreign write reached the table: %+v", snap)
	}
}

func TestDisplayNameCannotChange(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	conn := g.dial(t, alice.Token)

	first := models.NewPlaceholderRecord("Alice")
	send(t, conn, protocol.Frame{Type: protocol.FrameSet, Seq: 1, Key: alice.ParticipantID, Record: &first})
	if f := readUntil(t, conn, reply(1)); f.Type != protocol.FrameAck {
		t.Fatalf("first set rejected: %+v", f)
	}

	renamed := models.VoteRecord{DisplayName: "Eve", Vote: 3}
	send(t, conn, protocol.Frame{Type: protocol.FrameSet, Seq: 2, Key: alice.ParticipantID, Record: &renamed})
	if f := readUntil(t, conn, reply(2)); f.Code != protocol.CodeNameImmutable {
		t.Fatalf("rename reply = %+v, want name_immutable", f)
	}
}

func TestAbruptDisconnectRemovesRecord(t *testing.T) {
	g := newTestGateway(t)
	alice, bob := g.grant(t), g.grant(t)
	aliceConn := g.dial(t, alice.Token)
	bobConn := g.dial(t, bob.Token)

	record := models.NewPlaceholderRecord("Alice")
	send(t, aliceConn, protocol.Frame{Type: protocol.FrameSet, Seq: 1, Key: alice.ParticipantID, Record: &record})
	readUntil(t, aliceConn, reply(1))
	send(t, aliceConn, protocol.Frame{Type: protocol.FrameOnDisconnectRemove, Seq: 2, Key: alice.ParticipantID})
	if f := readUntil(t, aliceConn, reply(2)); f.Type != protocol.FrameAck {
		t.Fatalf("on_disconnect_remove rejected: %+v", f)
	}

	send(t, bobConn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 1})
	readUntil(t, bobConn, func(f *protocol.Frame) bool {
		_, ok := f.Table[alice.ParticipantID]
		return isValue(f) && ok
	})

	// Drop the TCP connection without a close handshake.
	aliceConn.UnderlyingConn().Close()

	readUntil(t, bobConn, func(f *protocol.Frame) bool {
		_, ok := f.Table[alice.ParticipantID]
		return isValue(f) && !ok
	})
}

func TestCancelledDisconnectActionKeepsRecord(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	conn := g.dial(t, alice.Token)

	record := models.NewPlaceholderRecord("Alice")
	send(t, conn, protocol.Frame{Type: protocol.FrameSet, Seq: 1, Key: alice.ParticipantID, Record: &record})
	send(t, conn, protocol.Frame{Type: protocol.FrameOnDisconnectRemove, Seq: 2, Key: alice.ParticipantID})
	send(t, conn, protocol.Frame{Type: protocol.FrameCancelOnDisconnect, Seq: 3, Key: alice.ParticipantID})
	readUntil(t, conn, reply(3))

	conn.Close()

	// Wait until the gateway has released the participant, then check.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		again, resp, err := websocket.DefaultDialer.Dial(g.socketURL("", alice.Token), nil)
		if err == nil {
			again.Close()
			break
		}
		if resp == nil || resp.StatusCode != http.StatusConflict {
			t.Fatalf("unexpected dial failure: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, _ := g.store.Snapshot(context.Background(), table.DefaultRoom)
	if _, ok := snap[alice.ParticipantID]; !ok {
		t.Fatalf("record removed although the disconnect action was cancelled: %+v", snap)
	}
}

func TestRoomsAreSeparate(t *testing.T) {
	g := newTestGateway(t)
	alice, bob := g.grant(t), g.grant(t)

	aliceConn, _, err := websocket.DefaultDialer.Dial(g.socketURL("red", alice.Token), nil)
	if err != nil {
		t.Fatalf("Dial(red) error = %v", err)
	}
	defer aliceConn.Close()
	bobConn := g.dial(t, bob.Token)

	send(t, bobConn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 1})
	readUntil(t, bobConn, isValue)

	record := models.NewPlaceholderRecord("Alice")
	send(t, aliceConn, protocol.Frame{Type: protocol.FrameSet, Seq: 1, Key: alice.ParticipantID, Record: &record})
	readUntil(t, aliceConn, reply(1))

	red, _ := g.store.Snapshot(context.Background(), "red")
	if len(red) != 1 {
		t.Fatalf("red room = %+v, want Alice", red)
	}
	votes, _ := g.store.Snapshot(context.Background(), table.DefaultRoom)
	if len(votes) != 0 {
		t.Fatalf("default room = %+v, want empty", votes)
	}
}

func TestConnectionRejections(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	g.dial(t, alice.Token)

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{name: "missing token", url: g.socketURL("", ""), status: http.StatusUnauthorized},
		{name: "garbage token", url: g.socketURL("", "not-a-jwt"), status: http.StatusUnauthorized},
		{name: "invalid room", url: g.socketURL("no.dots", alice.Token), status: http.StatusBadRequest},
		{name: "participant already connected", url: g.socketURL("", alice.Token), status: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("status = %v, want %d", resp, tt.status)
			}
		})
	}
}

func TestMalformedFrameIsRejected(t *testing.T) {
	g := newTestGateway(t)
	alice := g.grant(t)
	conn := g.dial(t, alice.Token)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"explode","seq":4}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	f := readUntil(t, conn, func(f *protocol.Frame) bool { return f.Type == protocol.FrameError })
	if f.Code != protocol.CodeBadRequest {
		t.Fatalf("code = %q, want bad_request", f.Code)
	}

	send(t, conn, protocol.Frame{Type: protocol.FrameValue, Seq: 5})
	if f := readUntil(t, conn, reply(5)); f.Code != protocol.CodeBadRequest {
		t.Fatalf("client value frame reply = %+v, want bad_request", f)
	}
}

func TestSignInThroughGateway(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Post(g.server.URL+"/api/auth/anonymous", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var grant identity.Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	conn := g.dial(t, grant.Token)
	send(t, conn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 1})
	if f := readUntil(t, conn, reply(1)); f.Type != protocol.FrameAck {
		t.Fatalf("subscribe reply = %+v", f)
	}
}

func TestStateHandler(t *testing.T) {
	store := table.NewMemoryTable()
	defer store.Close()
	ctx := context.Background()
	_ = store.Set(ctx, "votes", "b", models.NewPlaceholderRecord("Bob"))
	_ = store.Set(ctx, "votes", "a", models.VoteRecord{DisplayName: "Alice", Vote: 2})

	mux := http.NewServeMux()
	NewStateHandler(store).RegisterStateRoutes(mux)

	t.Run("room votes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/votes/votes", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body RoomVotesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Votes) != 2 || body.Order[0] != "a" || body.Order[1] != "b" {
			t.Fatalf("body = %+v", body)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rooms/votes/votes", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/votes", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestExtractRoomFromPath(t *testing.T) {
	tests := map[string]string{
		"/api/rooms/votes/votes": "votes",
		"/api/rooms/red/votes":   "red",
		"/api/rooms//votes":      "",
		"/api/rooms/votes":       "",
		"/api/other/red/votes":   "",
	}
	for path, want := range tests {
		if got := extractRoomFromPath(path); got != want {
			t.Errorf("extractRoomFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func newDetachedConnection(cm *ConnectionManager, id models.ParticipantID) *Connection {
	return &Connection{
		ID:            "conn-" + string(id),
		ParticipantID: id,
		Room:          table.DefaultRoom,
		Send:          make(chan []byte, 16),
		Manager:       cm,
		limiter:       rate.NewLimiter(rate.Inf, 0),
	}
}

func handleFrame(t *testing.T, conn *Connection, frame protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	conn.handleClientMessage(data)
}

func nextPrime(t *testing.T, cm *ConnectionManager) primeRequest {
	t.Helper()
	select {
	case req := <-cm.primeCh:
		return req
	default:
		t.Fatal("subscribe did not queue a prime request")
	}
	return primeRequest{}
}

func TestUnsubscribeBeforePrimeWins(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), table.NewMemoryTable(), NewMetrics(nil))
	conn := newDetachedConnection(cm, "A")

	handleFrame(t, conn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 1})
	handleFrame(t, conn, protocol.Frame{Type: protocol.FrameUnsubscribe, Seq: 2})

	// The broadcast loop gets to the subscribe only now.
	cm.prime(nextPrime(t, cm))
	if conn.isSubscribed() {
		t.Fatal("stale subscribe re-subscribed the connection after unsubscribe")
	}
	if n := len(conn.Send); n != 2 {
		t.Fatalf("queued frames = %d, want the two acks only", n)
	}

	handleFrame(t, conn, protocol.Frame{Type: protocol.FrameSubscribe, Seq: 3})
	cm.prime(nextPrime(t, cm))
	if !conn.isSubscribed() {
		t.Fatal("fresh subscribe after unsubscribe was not honoured")
	}
	if n := len(conn.Send); n != 4 {
		t.Fatalf("queued frames = %d, want ack and initial table on top", n)
	}
}

func TestCancelledManagerKeepsDrainingUntilCloseAll(t *testing.T) {
	store := table.NewMemoryTable()
	defer store.Close()
	cm := NewConnectionManager(DefaultConnectionConfig(), store, NewMetrics(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cm.Start(ctx)
		close(done)
	}()
	cancel()

	// Far more mutations than the table buffers, as many disconnect
	// removals during shutdown would produce.
	writes := make(chan error, 1)
	go func() {
		for i := 0; i < 1000; i++ {
			id := models.ParticipantID(fmt.Sprintf("p%d", i))
			if err := store.Set(context.Background(), table.DefaultRoom, id, models.NewPlaceholderRecord("P")); err != nil {
				writes <- err
				return
			}
		}
		writes <- nil
	}()

	select {
	case err := <-writes:
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("table writes blocked after the manager context was cancelled")
	}

	select {
	case <-done:
		t.Fatal("Start returned before CloseAll")
	default:
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := cm.CloseAll(closeCtx); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after CloseAll")
	}
}
