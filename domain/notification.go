package domain

import "time"

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationMention         NotificationType = "mention"
	NotificationAssignment      NotificationType = "assignment"
	NotificationStatusChange    NotificationType = "status_change"
	NotificationCommentAssigned NotificationType = "comment_assigned"
)

// Notification is a durable message addressed to one user.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Type        NotificationType `json:"type"`
	TaskID      string           `json:"taskId"`
	ActorID     string           `json:"actorId"`
	Message     string           `json:"message"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// DedupKey identifies a notification within one mutation's processing.
func (n Notification) DedupKey() string {
	return n.RecipientID + "|" + string(n.Type) + "|" + n.TaskID
}

// Comment is a rich-text note on a task. AssignedTo turns it into an action item.
type Comment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	AuthorID   string    `json:"authorId"`
	Body       string    `json:"body"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
