// Package notify queues "new message" notifications after a successful append.
// Delivery to push platforms happens elsewhere; this package only enqueues.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// TaskMessageCreated is the asynq task type for a new conversation message.
const TaskMessageCreated = "message:created"

// Message is the notification event for one appended record.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Text           string    `json:"text"`
	Recipients     []string  `json:"recipients"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notifier queues notifications. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// NewMessageTask builds the asynq task for m.
func NewMessageTask(m Message) (*asynq.Task, error) {
	if m.ConversationID == "" || m.MessageID == "" {
		return nil, errors.New("notify: conversation_id and message_id are required")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal: %w", err)
	}
	return asynq.NewTask(TaskMessageCreated, payload), nil
}

// ParseMessageTask decodes a task built by NewMessageTask.
func ParseMessageTask(t *asynq.Task) (Message, error) {
	if t.Type() != TaskMessageCreated {
		return Message{}, fmt.Errorf("notify: unexpected task type %q", t.Type())
	}
	var m Message
	if err := json.Unmarshal(t.Payload(), &m); err != nil {
		return Message{}, fmt.Errorf("notify: unmarshal: %w", err)
	}
	return m, nil
}

// AsynqNotifier enqueues notifications on a Redis-backed asynq queue.
type AsynqNotifier struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// AsynqOptions configures NewAsynqNotifier.
type AsynqOptions struct {
	RedisURL string
	Queue    string // default "notifications"
	MaxRetry int    // default 5
}

// NewAsynqNotifier constructs a notifier from a redis:// URL.
func NewAsynqNotifier(opts AsynqOptions) (*AsynqNotifier, error) {
	if strings.TrimSpace(opts.RedisURL) == "" {
		return nil, errors.New("asynq: redis url is not set")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if opts.Queue == "" {
		opts.Queue = "notifications"
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	return &AsynqNotifier{
		client:   asynq.NewClient(redisOpt),
		queue:    opts.Queue,
		maxRetry: opts.MaxRetry,
	}, nil
}

var _ Notifier = (*AsynqNotifier)(nil)

// Notify enqueues m. A message is enqueued at most once (task id = conversation:message).
func (n *AsynqNotifier) Notify(ctx context.Context, m Message) error {
	if len(m.Recipients) == 0 {
		return nil
	}
	task, err := NewMessageTask(m)
	if err != nil {
		return err
	}

	_, err = n.client.EnqueueContext(ctx, task,
		asynq.Queue(n.queue),
		asynq.MaxRetry(n.maxRetry),
		asynq.TaskID(m.ConversationID+":"+m.MessageID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close releases the Redis connection.
func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}

// Recipients returns members minus the sender.
func Recipients(members []string, senderID string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != senderID {
			out = append(out, m)
		}
	}
	return out
}
