package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"phishwatch/core"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultNATSSubject is the subject IngestionFinished is published on
const DefaultNATSSubject = "phishwatch.ingestion.finished"

// NATSConfig configures the NATS publisher
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// natsConn is the subset of *nats.Conn the publisher needs
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Close()
}

// NATSPublisher publishes IngestionFinished as JSON on a NATS subject
type NATSPublisher struct {
	conn    natsConn
	subject string
	logger  *zap.SugaredLogger
}

// NewNATSPublisher connects to NATS. The connection retries in the background
// when the server is not reachable yet.
func NewNATSPublisher(cfg NATSConfig, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("phishwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Infow("NATS publisher ready", "url", cfg.URL, "subject", cfg.Subject)
	return newNATSPublisher(conn, cfg.Subject, logger), nil
}

func newNATSPublisher(conn natsConn, subject string, logger *zap.SugaredLogger) *NATSPublisher {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Publish sends the event and waits for the server to acknowledge the flush
func (p *NATSPublisher) Publish(ctx context.Context, event core.IngestionFinished) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush to %s: %w", p.subject, err)
	}
	p.logger.Debugw("Published event to NATS", "subject", p.subject, "run_id", event.RunID)
	return nil
}

// IsConnected reports whether the underlying connection is up
func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains nothing and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
