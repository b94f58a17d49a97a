// Package notify publishes table state transitions to message brokers.
//
// Every transition of a replicated table (loading, streaming, skipped, ...) is
// published as a JSON status message. NATS subjects have the form
// <prefix>.<schema>.<table>.state and MQTT topics <prefix>/<schema>/<table>/state;
// MQTT messages are retained so subscribers see the current state on connect.
package notify

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Status is the published message.
type Status struct {
	Table      string    `json:"table"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	StartLSN   string    `json:"startLsn"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"ts"`
}

// NewStatus builds the message for e.
func NewStatus(e tablesync.Entry) Status {
	return Status{
		Table:      e.ID.String(),
		State:      e.State.String(),
		Reason:     e.Reason,
		StartLSN:   e.StartLSN.String(),
		Generation: e.Generation,
		Timestamp:  e.UpdatedAt,
	}
}

// Publisher delivers status messages to one broker.
type Publisher interface {
	Publish(ctx context.Context, e tablesync.Entry, payload []byte) error
	Close() error
}

// Config selects the brokers. Brokers left nil are not used.
type Config struct {
	NATS      *NATSConfig `mapstructure:"nats"`
	MQTT      *MQTTConfig `mapstructure:"mqtt"`
	QueueSize int         `mapstructure:"queueSize"`
	// Timeout bounds one publish.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Notifier fans table transitions out to publishers. Observe never blocks; when
// publishers fall behind, transitions are dropped and logged.
type Notifier struct {
	publishers []Publisher
	queue      chan tablesync.Entry
	timeout    time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New connects the configured brokers. It returns a Notifier without publishers
// when none is configured.
func New(cfg Config, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.L()
	}
	var pubs []Publisher
	if cfg.NATS != nil {
		p, err := NewNATS(*cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if cfg.MQTT != nil {
		p, err := NewMQTT(*cfg.MQTT, logger)
		if err != nil {
			for _, p := range pubs {
				_ = p.Close()
			}
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return NewNotifier(cfg, logger, pubs...), nil
}

// NewNotifier creates a Notifier over the given publishers.
func NewNotifier(cfg Config, logger *zap.Logger, pubs ...Publisher) *Notifier {
	if logger == nil {
		logger = zap.L()
	}
	return &Notifier{
		publishers: pubs,
		queue:      make(chan tablesync.Entry, cmp.Or(cfg.QueueSize, defaultQueueSize)),
		timeout:    cmp.Or(cfg.Timeout, 5*time.Second),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Observe queues a transition. It is a tablesync.Observer.
func (n *Notifier) Observe(e tablesync.Entry) {
	if n == nil || len(n.publishers) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn("notification queue full; dropping table status",
			zap.Stringer("table", e.ID), zap.Stringer("state", e.State))
	}
}

// Run publishes queued transitions until Close is called, then drains the queue.
// ctx bounds the individual publishes.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for e := range n.queue {
		payload, err := json.Marshal(NewStatus(e))
		if err != nil {
			n.logger.Error("marshal table status", zap.Error(err))
			continue
		}
		for _, p := range n.publishers {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
			if err := p.Publish(pctx, e, payload); err != nil {
				n.logger.Warn("publish table status", zap.Stringer("table", e.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting transitions, waits for Run to drain the queue and closes
// the publishers. Run must have been started.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
	var errs []error
	for _, p := range n.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close notifier: %w", err)
	}
	return nil
}
