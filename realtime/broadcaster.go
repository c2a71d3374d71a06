package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tasksync/domain"
)

// Server event names.
const (
	EventTaskCreated  = "task-created"
	EventTaskUpdated  = "task-updated"
	EventTaskDeleted  = "task-deleted"
	EventNewComment   = "new-comment"
	EventMention      = "mention"
	EventNotification = "notification"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventError        = "error"
)

var tracer = otel.Tracer("tasksync/realtime")

// Frame is the envelope of every server message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return sonic.Marshal(Frame{Event: event, Data: data})
}

// TaskPayload is the data of the task-* events.
type TaskPayload struct {
	TaskID  string             `json:"taskId"`
	Version int64              `json:"version"`
	Task    *domain.Task       `json:"task,omitempty"`
	Change  domain.ChangeEvent `json:"change"`
}

// MentionPayload is the data of the mention event.
type MentionPayload struct {
	TaskID         string `json:"taskId"`
	ActorID        string `json:"actorId"`
	NotificationID string `json:"notificationId"`
	Message        string `json:"message"`
}

// Broadcaster publishes to rooms without blocking the caller.
type Broadcaster interface {
	PublishChange(ev domain.ChangeEvent)
	PublishComment(workspaceID string, c domain.Comment)
	PublishNotification(n domain.Notification)
}

// LocalBroadcaster delivers straight into this instance's hub.
type LocalBroadcaster struct {
	hub    *Hub
	seq    *Sequencer
	logger *log.Logger
}

func NewLocalBroadcaster(hub *Hub, gapTimeout time.Duration, logger *log.Logger) *LocalBroadcaster {
	if hub == nil {
		panic("realtime.NewLocalBroadcaster: hub is nil")
	}
	if logger == nil {
		panic("realtime.NewLocalBroadcaster: logger is nil")
	}
	b := &LocalBroadcaster{hub: hub, logger: logger}
	b.seq = NewSequencer(gapTimeout, b.deliver, logger)
	return b
}

func (b *LocalBroadcaster) deliver(rooms []string, frame []byte) {
	for _, room := range rooms {
		b.hub.Deliver(room, frame)
	}
}

func changeEventName(kind domain.ChangeKind) string {
	switch kind {
	case domain.ChangeCreated:
		return EventTaskCreated
	case domain.ChangeDeleted:
		return EventTaskDeleted
	default:
		return EventTaskUpdated
	}
}

// PublishChange sends the event to the task and workspace rooms in version
// order.
func (b *LocalBroadcaster) PublishChange(ev domain.ChangeEvent) {
	_, span := tracer.Start(context.Background(), "realtime.broadcast")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", ev.TaskID), attribute.Int64("task.version", ev.VersionAfter), attribute.String("change.kind", string(ev.Kind)))

	change := ev
	change.Task = nil
	frame, err := encodeFrame(changeEventName(ev.Kind), TaskPayload{
		TaskID:  ev.TaskID,
		Version: ev.VersionAfter,
		Task:    ev.Task,
		Change:  change,
	})
	if err != nil {
		b.logger.WithError(err).WithField("task", ev.TaskID).Error("encode change frame failed")
		return
	}
	rooms := []string{TaskRoom(ev.TaskID)}
	if ev.WorkspaceID != "" {
		rooms = append(rooms, WorkspaceRoom(ev.WorkspaceID))
	}
	b.seq.Offer(sequenced{taskID: ev.TaskID, version: ev.VersionAfter, rooms: rooms, frame: frame})
}

// PublishComment sends new-comment to the task room.
func (b *LocalBroadcaster) PublishComment(_ string, c domain.Comment) {
	frame, err := encodeFrame(EventNewComment, c)
	if err != nil {
		b.logger.WithError(err).WithField("comment", c.ID).Error("encode comment frame failed")
		return
	}
	b.hub.Deliver(TaskRoom(c.TaskID), frame)
}

// PublishNotification sends notification to the recipient's room, plus a
// mention event for mentions.
func (b *LocalBroadcaster) PublishNotification(n domain.Notification) {
	room := UserRoom(n.RecipientID)
	frame, err := encodeFrame(EventNotification, n)
	if err != nil {
		b.logger.WithError(err).WithField("notification", n.ID).Error("encode notification frame failed")
		return
	}
	b.hub.Deliver(room, frame)
	if n.Type != domain.NotificationMention {
		return
	}
	frame, err = encodeFrame(EventMention, MentionPayload{TaskID: n.TaskID, ActorID: n.ActorID, NotificationID: n.ID, Message: n.Message})
	if err != nil {
		b.logger.WithError(err).WithField("notification", n.ID).Error("encode mention frame failed")
		return
	}
	b.hub.Deliver(room, frame)
}

// envelope is the relay message carried over Redis.
type envelope struct {
	Kind         string               `json:"kind"`
	Change       *domain.ChangeEvent  `json:"change,omitempty"`
	WorkspaceID  string               `json:"workspaceId,omitempty"`
	Comment      *domain.Comment      `json:"comment,omitempty"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

const (
	envelopeChange       = "change"
	envelopeComment      = "comment"
	envelopeNotification = "notification"
)

// RedisBroadcaster publishes to a Redis channel so every instance's Relay can
// deliver to its own sessions. Publishing is queued; a full queue drops the
// message.
type RedisBroadcaster struct {
	rc      *redis.Client
	channel string
	logger  *log.Logger
	queue   chan envelope
	done    chan struct{}
}

func NewRedisBroadcaster(rc *redis.Client, channel string, buffer int, logger *log.Logger) *RedisBroadcaster {
	if rc == nil {
		panic("realtime.NewRedisBroadcaster: redis client is nil")
	}
	if logger == nil {
		panic("realtime.NewRedisBroadcaster: logger is nil")
	}
	if buffer <= 0 {
		buffer = 1024
	}
	b := &RedisBroadcaster{
		rc:      rc,
		channel: channel,
		logger:  logger,
		queue:   make(chan envelope, buffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *RedisBroadcaster) run() {
	defer close(b.done)
	for env := range b.queue {
		data, err := sonic.Marshal(env)
		if err != nil {
			b.logger.WithError(err).WithField("kind", env.Kind).Error("encode relay message failed")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = b.rc.Publish(ctx, b.channel, data).Err()
		cancel()
		if err != nil {
			b.logger.WithError(err).WithField("kind", env.Kind).Warn("relay publish failed")
		}
	}
}

func (b *RedisBroadcaster) enqueue(env envelope) {
	select {
	case b.queue <- env:
	default:
		b.logger.WithField("kind", env.Kind).Warn("relay queue full, message dropped")
	}
}

func (b *RedisBroadcaster) PublishChange(ev domain.ChangeEvent) {
	b.enqueue(envelope{Kind: envelopeChange, Change: &ev})
}

func (b *RedisBroadcaster) PublishComment(workspaceID string, c domain.Comment) {
	b.enqueue(envelope{Kind: envelopeComment, WorkspaceID: workspaceID, Comment: &c})
}

func (b *RedisBroadcaster) PublishNotification(n domain.Notification) {
	b.enqueue(envelope{Kind: envelopeNotification, Notification: &n})
}

// Close flushes the queue. Publishing after Close panics.
func (b *RedisBroadcaster) Close() {
	close(b.queue)
	<-b.done
}

// Relay subscribes to the channel and hands every message to local. It
// resubscribes when the subscription drops and returns when ctx is done.
func Relay(ctx context.Context, rc *redis.Client, channel string, local *LocalBroadcaster, logger *log.Logger) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				dispatch(local, logger, msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("relay subscription closed, reconnecting")
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func dispatch(local *LocalBroadcaster, logger *log.Logger, payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		logger.WithError(err).Error("unable to parse relay message")
		return
	}
	switch {
	case env.Kind == envelopeChange && env.Change != nil:
		local.PublishChange(*env.Change)
	case env.Kind == envelopeComment && env.Comment != nil:
		local.PublishComment(env.WorkspaceID, *env.Comment)
	case env.Kind == envelopeNotification && env.Notification != nil:
		local.PublishNotification(*env.Notification)
	default:
		logger.WithField("kind", env.Kind).Warn("unknown relay message, ignoring it")
	}
}
