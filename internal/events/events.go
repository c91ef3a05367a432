// Package events tells API instances that a poller refreshed a feed cache,
// so their loaders drop the current snapshot instead of waiting for it to
// age out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

const subjectPrefix = "mesdeparts.rt."

// Refreshed is published after a poller persisted a new parsed snapshot.
type Refreshed struct {
	Feed      string    `json:"feed"`
	Kind      string    `json:"kind"`
	FetchedAt time.Time `json:"fetchedAt"`
	BuiltAt   time.Time `json:"builtAt"`
	Instance  string    `json:"instance,omitempty"`
}

// Notifier is what pollers need; Noop satisfies it when NATS is not set up.
type Notifier interface {
	Refreshed(ctx context.Context, ev Refreshed) error
}

type Noop struct{}

func (Noop) Refreshed(context.Context, Refreshed) error { return nil }

// Subject is the NATS subject a feed's refresh events go to.
func Subject(feed string) string {
	return subjectPrefix + subjectToken(feed) + ".refreshed"
}

type NATSPublisher struct {
	nc     *nats.Conn
	name   string
	logger *slog.Logger
}

func Connect(url, name string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "events"))
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.LogWarning(logger, "nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.LogOperation(logger, "nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logging.LogOperation(logger, "nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, name: name, logger: logger}, nil
}

func (p *NATSPublisher) Refreshed(ctx context.Context, ev Refreshed) error {
	if ev.Instance == "" {
		ev.Instance = p.name
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := Subject(ev.Feed)
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	logging.LogOperation(p.logger, "feed_refreshed_published",
		slog.String("subject", subject),
		slog.Time("fetched_at", ev.FetchedAt))
	return nil
}

// Subscribe calls fn for every refresh event of any feed until the
// returned subscription is drained.
func (p *NATSPublisher) Subscribe(fn func(Refreshed)) (*nats.Subscription, error) {
	return p.nc.Subscribe(subjectPrefix+"*.refreshed", func(msg *nats.Msg) {
		handleMessage(p.logger, msg.Data, fn)
	})
}

func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		logging.LogError(p.logger, "nats drain failed", err)
	}
	p.nc.Close()
}

func handleMessage(logger *slog.Logger, data []byte, fn func(Refreshed)) {
	var ev Refreshed
	if err := json.Unmarshal(data, &ev); err != nil {
		logging.LogError(logger, "invalid refresh event", err)
		return
	}
	if ev.Feed == "" {
		logging.LogWarning(logger, "refresh event without feed")
		return
	}
	fn(ev)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, wildcards or dots
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
