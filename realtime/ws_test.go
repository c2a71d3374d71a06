package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
	"tasksync/storage"
)

type bearerAuth struct{}

func (bearerAuth) UserIDFromAuthHeader(h string) (string, error) {
	if !strings.HasPrefix(h, "Bearer ") || len(h) == len("Bearer ") {
		return "", errors.New("missing bearer token")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

type wsFixture struct {
	srv   *httptest.Server
	hub   *Hub
	bcast *LocalBroadcaster
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.UpsertMember(ctx, domain.Member{WorkspaceID: "w1", UserID: "alice", Username: "alice", Role: domain.RoleMember})
	if _, err := store.CreateTask(ctx, domain.Task{ID: "t1", WorkspaceID: "w1", Fields: domain.Fields{Title: "plan"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateTask(ctx, domain.Task{ID: "secret", WorkspaceID: "w2", Fields: domain.Fields{Title: "hidden"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	hub := NewHub(logger)
	srv := httptest.NewServer(NewServer(hub, bearerAuth{}, store, store, ServerConfig{SendBuffer: 8, PingInterval: time.Second}, logger))
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, hub: hub, bcast: NewLocalBroadcaster(hub, time.Second, logger)}
}

func (f *wsFixture) dial(t *testing.T, user string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + user
	conn, br, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if br != nil {
		ws.PutReader(br)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, event, id string) {
	t.Helper()
	data, _ := sonic.Marshal(clientFrame{Event: event, ID: id})
	if err := wsutil.WriteClientText(conn, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn net.Conn) decodedFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if op != ws.OpText {
			continue
		}
		var f decodedFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}
}

func TestWebSocketRejectsAnonymous(t *testing.T) {
	f := newWSFixture(t)
	resp, err := http.Get(f.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebSocketJoinTaskReceivesUpdates(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "alice")

	send(t, conn, ClientJoinTask, "t1")
	if got := receive(t, conn); got.Event != EventJoined || got.Data["room"] != "task:t1" {
		t.Fatalf("unexpected join reply %+v", got)
	}

	f.bcast.PublishChange(domain.ChangeEvent{Kind: domain.ChangeUpdated, TaskID: "t1", WorkspaceID: "w1", VersionBefore: 1, VersionAfter: 2})
	if got := receive(t, conn); got.Event != EventTaskUpdated || got.Data["taskId"] != "t1" {
		t.Fatalf("unexpected update %+v", got)
	}

	send(t, conn, ClientLeaveTask, "t1")
	if got := receive(t, conn); got.Event != EventLeft {
		t.Fatalf("unexpected leave reply %+v", got)
	}
}

func TestWebSocketRoomAccess(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "alice")

	cases := []struct {
		event, id, code string
	}{
		{ClientJoinUser, "bob", "FORBIDDEN"},
		{ClientJoinTask, "secret", "FORBIDDEN"},
		{ClientJoinTask, "missing", "NOT_FOUND"},
		{ClientJoinWorkspace, "w2", "FORBIDDEN"},
		{"shout", "x", "UNKNOWN_EVENT"},
	}
	for _, tc := range cases {
		send(t, conn, tc.event, tc.id)
		got := receive(t, conn)
		if got.Event != EventError || got.Data["code"] != tc.code {
			t.Fatalf("%s %s: expected %s, got %+v", tc.event, tc.id, tc.code, got)
		}
	}

	send(t, conn, ClientJoinUser, "alice")
	if got := receive(t, conn); got.Event != EventJoined || got.Data["room"] != "user:alice" {
		t.Fatalf("unexpected join-user reply %+v", got)
	}
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "alice")
	send(t, conn, ClientJoinWorkspace, "w1")
	receive(t, conn)
	if f.hub.Stats().Rooms != 1 {
		t.Fatalf("expected one room")
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Stats().Connections != 0 || f.hub.Stats().Rooms != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not cleaned up: %+v", f.hub.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
