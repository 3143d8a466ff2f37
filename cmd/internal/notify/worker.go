package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
)

// Deliverer hands a dequeued notification to a push platform.
type Deliverer interface {
	Deliver(ctx context.Context, m Message) error
}

// LogDeliverer writes notifications to the log instead of delivering them.
type LogDeliverer struct {
	Log *slog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, m Message) error {
	if d.Log == nil {
		return nil
	}
	d.Log.Info("notify.deliver",
		"conversation_id", m.ConversationID,
		"message_id", m.MessageID,
		"sender_id", m.SenderID,
		"recipients", len(m.Recipients),
	)
	return nil
}

// WorkerOptions configures NewWorker.
type WorkerOptions struct {
	RedisURL    string
	Queue       string // default "notifications"
	Concurrency int    // default 10
	Logger      *slog.Logger
}

// Worker consumes message notification tasks from the asynq queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
	d      Deliverer
}

// NewWorker constructs a Worker that hands each task to d.
func NewWorker(opts WorkerOptions, d Deliverer) (*Worker, error) {
	if d == nil {
		return nil, errors.New("notify: nil deliverer")
	}
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
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w := &Worker{log: log, d: d, mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn("notify.task.fail", "type", task.Type(), "err", err)
		}),
	})
	w.mux.HandleFunc(TaskMessageCreated, w.HandleTask)
	return w, nil
}

// HandleTask decodes and delivers one task. Undecodable tasks are not retried.
func (w *Worker) HandleTask(ctx context.Context, t *asynq.Task) error {
	m, err := ParseMessageTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.d.Deliver(ctx, m)
}

// Run starts processing and blocks until ctx is done, then drains in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("asynq: start: %w", err)
	}
	w.log.Info("notify.worker.start")
	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("notify.worker.stop")
	return nil
}
