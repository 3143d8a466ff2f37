package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
	"convsync/cmd/internal/chatsync"
	"convsync/cmd/internal/notify"
	"convsync/cmd/internal/remote"
)

type tailFlags struct {
	url         string
	user        string
	origin      string
	older       int
	send        bool
	list        bool
	metricsAddr string
}

func newTailCommand(root *rootFlags) *cobra.Command {
	f := &tailFlags{}

	cmd := &cobra.Command{
		Use:   "tail [conversation-id]",
		Short: "Open a conversation through the sync engine and follow it",
		Long: "Connects to a gateway as --user, opens the conversation, prints messages as they\n" +
			"arrive and optionally pages older history (--older) or sends stdin lines (--send).\n" +
			"With --list and no conversation id it prints the user's conversations and exits.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.user == "" {
				return errors.New("tail: --user is required")
			}
			if len(args) == 0 && !f.list {
				return errors.New("tail: conversation id required (or use --list)")
			}
			cfg, err := app.LoadConfig(root.configPath)
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			conversationID := ""
			if len(args) == 1 {
				conversationID = args[0]
			}
			return runTail(ctx, cfg, log, f, conversationID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "ws://127.0.0.1:8080/ws", "gateway websocket URL")
	cmd.Flags().StringVar(&f.user, "user", "", "user id announced to the gateway")
	cmd.Flags().StringVar(&f.origin, "origin", "http://localhost", "Origin header sent on the handshake")
	cmd.Flags().IntVar(&f.older, "older", 0, "pages of older history to load after opening")
	cmd.Flags().BoolVar(&f.send, "send", false, "send each stdin line, exit at EOF")
	cmd.Flags().BoolVar(&f.list, "list", false, "print the user's conversations")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve engine metrics on this address")
	return cmd
}

func runTail(ctx context.Context, cfg app.Config, log *slog.Logger, f *tailFlags, conversationID string, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := remote.DialWS(dialCtx, f.url, remote.WSOptions{UserID: f.user, Origin: f.origin, Logger: log})
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.RedisURL != "" {
		an, err := notify.NewAsynqNotifier(notify.AsynqOptions{RedisURL: cfg.RedisURL, Queue: cfg.NotifyQueue})
		if err != nil {
			return err
		}
		defer an.Close()
		notifier = an
	}

	var promReg prometheus.Registerer
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		promReg = reg
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("tail.metrics.fail", "err", err)
			}
		}()
		defer srv.Close()
	}

	reg, err := chatsync.New(client, chatsync.StaticSession(f.user), chatsync.Config{
		PageSize:    cfg.PageSize,
		MaxResident: cfg.MaxResident,
	}, chatsync.WithLogger(log), chatsync.WithNotifier(notifier), chatsync.WithMetrics(chatsync.NewMetrics(promReg)))
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = reg.Shutdown(sctx)
	}()

	if f.list {
		convs, err := reg.ListConversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Fprintf(out, "%s\t%s\t%d members\t%d messages\t%s\n", c.ID, c.Kind, c.MemberCount, c.MessageCount, c.LastMessage)
		}
		if conversationID == "" {
			return nil
		}
	}

	p := newPrinter(out, conversationID)
	stop := reg.Observe(p.view)
	defer stop()

	v, _, err := reg.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	p.view(v)
	if v.SubscriptionErr != nil {
		log.Warn("tail.subscription.error", "conversation_id", conversationID, "err", v.SubscriptionErr)
	}

	for i := 0; i < f.older; i++ {
		res, err := reg.LoadOlder(ctx, conversationID)
		if err != nil {
			return err
		}
		if res.AtHistoryStart {
			p.note("start of history")
			break
		}
	}

	if f.send {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if _, err := reg.Send(ctx, conversationID, sc.Text()); err != nil {
				if errors.Is(err, chatsync.ErrInvalidInput) {
					log.Warn("tail.send.skip", "err", err)
					continue
				}
				return err
			}
		}
		return sc.Err()
	}

	<-ctx.Done()
	return nil
}

// printer writes each message of one conversation once, oldest first within a view.
// Older history loaded later is printed after what is already on screen.
type printer struct {
	mu             sync.Mutex
	out            io.Writer
	conversationID string
	seen           map[string]struct{}
	state          chatsync.SubState
}

func newPrinter(out io.Writer, conversationID string) *printer {
	return &printer{out: out, conversationID: conversationID, seen: make(map[string]struct{})}
}

func (p *printer) view(v chatsync.View) {
	if v.Conversation.ID != p.conversationID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Messages are newest first.
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}

		name := m.Sender.Name
		if name == "" || m.Sender.Placeholder {
			name = m.SenderID
		}
		fmt.Fprintf(p.out, "%s  %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), name, m.Text)
	}

	if v.Subscription != p.state {
		p.state = v.Subscription
		if v.Subscription == chatsync.SubError {
			fmt.Fprintf(p.out, "-- live updates stopped: %v --\n", v.SubscriptionErr)
		}
	}
}

func (p *printer) note(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "-- %s --\n", msg)
}
