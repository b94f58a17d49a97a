package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS publisher. With Stream set, messages are
// published through JetStream into that stream, which is created or updated to
// cover <SubjectPrefix>.>.
type NATSConfig struct {
	Servers       []string `mapstructure:"servers"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Stream        string   `mapstructure:"stream"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

// NATS publishes table status on NATS subjects.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *zap.Logger
}

func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	p := &NATS{prefix: cmp.Or(cfg.SubjectPrefix, "pgmirror"), logger: logger.Named("nats")}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), natsOptions(cfg, p.logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	p.nc = nc

	if cfg.Stream != "" {
		if p.js, err = nc.JetStream(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		if err := p.ensureStream(cfg.Stream); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
	}
	return p, nil
}

// Subject returns the subject a table's status is published on.
func (p *NATS) Subject(e tablesync.Entry) string {
	return natsSubject(p.prefix, e)
}

func natsSubject(prefix string, e tablesync.Entry) string {
	return fmt.Sprintf("%s.%s.%s.state", prefix, natsToken(e.ID.Schema), natsToken(e.ID.Name))
}

// natsToken replaces characters with a meaning in subjects.
func natsToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func (p *NATS) Publish(ctx context.Context, e tablesync.Entry, payload []byte) error {
	subject := p.Subject(e)
	if p.js != nil {
		if _, err := p.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATS) Close() error {
	if err := p.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (p *NATS) ensureStream(name string) error {
	config := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	stream, err := p.js.StreamInfo(name)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = p.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			p.logger.Info("updated stream", zap.String("stream", name))
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}
	if _, err := p.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("created stream", zap.String("stream", name))
	return nil
}

func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name && a.Storage == b.Storage && a.Replicas == b.Replicas &&
		slices.Equal(a.Subjects, b.Subjects)
}

func natsOptions(c NATSConfig, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("pgmirror"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}
	return opts
}
