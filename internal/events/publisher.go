// Package events publishes committed workflow transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/model"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "docflow.workflow"

// Observer is told about every publish attempt. *observability.Metrics
// satisfies it.
type Observer interface {
	RecordEventPublished(action model.Action, status string)
}

type nopObserver struct{}

func (nopObserver) RecordEventPublished(model.Action, string) {}

// Subject returns the subject an action is published on, for example
// "docflow.workflow.advance".
func Subject(prefix string, action model.Action) string {
	return prefix + "." + strings.ToLower(string(action))
}

// Publisher sends transition events as JSON. It implements
// history.Publisher.
type Publisher struct {
	conn     *nats.Conn
	prefix   string
	observer Observer
	logger   *zap.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithObserver sets the publish observer.
func WithObserver(o Observer) Option {
	return func(p *Publisher) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger sets the publisher logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher creates a Publisher on conn. An empty prefix uses
// DefaultSubjectPrefix.
func NewPublisher(conn *nats.Conn, prefix string, opts ...Option) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &Publisher{
		conn:     conn,
		prefix:   strings.TrimSuffix(prefix, "."),
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials NATS with reconnects enabled for the lifetime of the
// process.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Publish sends ev on the subject of its action, carrying the trace
// context in the message headers.
func (p *Publisher) Publish(ctx context.Context, ev model.TransitionEvent) (err error) {
	subject := Subject(p.prefix, ev.Action)
	ctx, span := observability.StartSpan(ctx, "events.publish",
		observability.AttrInstanceID.String(ev.InstanceID),
		observability.AttrAction.String(string(ev.Action)))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.observer.RecordEventPublished(ev.Action, status)
		observability.EndSpanWithError(span, err)
	}()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Docflow-Event-Id", ev.ID)
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("transition event published",
		zap.String("subject", subject),
		zap.String("event_id", ev.ID),
		zap.Int("sequence", ev.Sequence))
	return nil
}

// HealthCheck fails unless the connection is established.
func (p *Publisher) HealthCheck(context.Context) error {
	if status := p.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
