package realtime

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/storage"
)

// Client event names.
const (
	ClientJoinTask       = "join-task"
	ClientLeaveTask      = "leave-task"
	ClientJoinWorkspace  = "join-workspace"
	ClientLeaveWorkspace = "leave-workspace"
	ClientJoinUser       = "join-user"
)

// Authenticator resolves the user behind an Authorization header value.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type clientFrame struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// ServerConfig tunes the WebSocket endpoint.
type ServerConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server is the WebSocket endpoint. Joining a task or workspace room requires
// membership of the workspace when a member directory is configured.
type Server struct {
	hub     *Hub
	auth    Authenticator
	tasks   storage.TaskStore
	members storage.MemberDirectory
	cfg     ServerConfig
	logger  *log.Logger
}

func NewServer(hub *Hub, auth Authenticator, tasks storage.TaskStore, members storage.MemberDirectory, cfg ServerConfig, logger *log.Logger) *Server {
	if hub == nil || auth == nil {
		panic("realtime.NewServer: hub and auth are required")
	}
	if logger == nil {
		panic("realtime.NewServer: logger is nil")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{hub: hub, auth: auth, tasks: tasks, members: members, cfg: cfg, logger: logger}
}

// lockedWriter serialises frame writes between the writer loop and the
// control frame replies issued by the reader.
type lockedWriter struct {
	mu   sync.Mutex
	conn net.Conn
	wt   time.Duration
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.wt))
	return w.conn.Write(p)
}

func (w *lockedWriter) writeMessage(op ws.OpCode, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.wt))
	return wsutil.WriteServerMessage(w.conn, op, p)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	userID, err := s.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := s.hub.Register(userID, s.cfg.SendBuffer)
	entry := s.logger.WithFields(log.Fields{"conn": client.ID(), "user": userID})
	entry.Debug("session connected")

	writer := &lockedWriter{conn: conn, wt: s.cfg.WriteTimeout}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, client, writer, entry)
		// unblock the reader when the writer gives up
		_ = conn.Close()
	}()

	s.readLoop(ctx, conn, client, writer, entry)
	cancel()
	s.hub.Disconnect(client.ID())
	wg.Wait()
	_ = conn.Close()
	entry.Debug("session disconnected")
}

func (s *Server) writeLoop(ctx context.Context, client *Client, w *lockedWriter, entry *log.Entry) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-client.Send():
			if !ok {
				return
			}
			if err := w.writeMessage(ws.OpText, frame); err != nil {
				entry.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := w.writeMessage(ws.OpPing, nil); err != nil {
				entry.WithError(err).Debug("websocket ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, client *Client, w *lockedWriter, entry *log.Entry) {
	controlHandler := wsutil.ControlFrameHandler(w, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}
	idle := 2 * s.cfg.PingInterval
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		hdr, err := rd.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				entry.WithError(err).Debug("websocket read failed")
			}
			return
		}
		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		s.handle(ctx, client, data, entry)
	}
}

func (s *Server) handle(ctx context.Context, client *Client, data []byte, entry *log.Entry) {
	var msg clientFrame
	if err := sonic.Unmarshal(data, &msg); err != nil {
		s.reply(client, EventError, errorPayload{Code: "BAD_FRAME", Message: "frame is not valid JSON"})
		return
	}
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		s.reply(client, EventError, errorPayload{Code: "BAD_FRAME", Message: "id is required", Event: msg.Event})
		return
	}

	var (
		room string
		join bool
		err  error
	)
	switch msg.Event {
	case ClientJoinTask:
		room, join = TaskRoom(id), true
		err = s.canSeeTask(ctx, client.UserID(), id)
	case ClientLeaveTask:
		room = TaskRoom(id)
	case ClientJoinWorkspace:
		room, join = WorkspaceRoom(id), true
		err = s.canSeeWorkspace(ctx, client.UserID(), id)
	case ClientLeaveWorkspace:
		room = WorkspaceRoom(id)
	case ClientJoinUser:
		room, join = UserRoom(id), true
		if id != client.UserID() {
			err = domain.ErrForbidden
		}
	default:
		s.reply(client, EventError, errorPayload{Code: "UNKNOWN_EVENT", Message: "unknown event", Event: msg.Event})
		return
	}
	if err != nil {
		code := "FORBIDDEN"
		if errors.Is(err, domain.ErrNotFound) {
			code = "NOT_FOUND"
		} else if !errors.Is(err, domain.ErrForbidden) {
			code = "INTERNAL"
			entry.WithError(err).WithField("room", room).Warn("room access check failed")
		}
		s.reply(client, EventError, errorPayload{Code: code, Message: err.Error(), Event: msg.Event})
		return
	}

	if !join {
		s.hub.Leave(client.ID(), room)
		s.reply(client, EventLeft, roomPayload{Room: room})
		return
	}
	if err := s.hub.Join(client.ID(), room); err != nil {
		return
	}
	entry.WithField("room", room).Debug("room joined")
	s.reply(client, EventJoined, roomPayload{Room: room})
}

func (s *Server) reply(client *Client, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		s.logger.WithError(err).Error("encode reply failed")
		return
	}
	s.hub.SendTo(client.ID(), frame)
}

func (s *Server) canSeeTask(ctx context.Context, userID, taskID string) error {
	if s.tasks == nil {
		return nil
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.canSeeWorkspace(ctx, userID, task.WorkspaceID)
}

func (s *Server) canSeeWorkspace(ctx context.Context, userID, workspaceID string) error {
	if s.members == nil {
		return nil
	}
	_, err := s.members.Member(ctx, workspaceID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrForbidden
	}
	return err
}
