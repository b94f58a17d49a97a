package notify

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Servers     []string `mapstructure:"servers"`
	TopicPrefix string   `mapstructure:"topicPrefix"`
	ClientID    string   `mapstructure:"clientId"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	QoS         byte     `mapstructure:"qos"`
	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

// MQTT publishes retained table status on MQTT topics. The broker publishes
// "offline" on <prefix>/status when the connection is lost.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

func NewMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTT, error) {
	p := &MQTT{
		prefix: strings.TrimSuffix(cmp.Or(cfg.TopicPrefix, "pgmirror"), "/"),
		qos:    cfg.QoS,
		logger: logger.Named("mqtt"),
	}
	if p.qos > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", p.qos)
	}

	opts := p.options(cfg)
	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(cmp.Or(cfg.ConnectTimeout, 10*time.Second)) {
		return nil, fmt.Errorf("broker connection: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker connection: %w", err)
	}
	return p, nil
}

func (p *MQTT) options(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = []string{"tcp://127.0.0.1:1883"}
	}
	for _, s := range servers {
		opts.AddBroker(s)
	}
	opts.SetClientID(cmp.Or(cfg.ClientID, "pgmirror-"+uuid.NewString()[:8]))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetWill(p.statusTopic(), "offline", p.qos, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info("connected to MQTT broker")
		c.Publish(p.statusTopic(), p.qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("connection to MQTT broker lost", zap.Error(err))
	})
	return opts
}

func (p *MQTT) statusTopic() string { return p.prefix + "/status" }

// Topic returns the topic a table's status is published on.
func (p *MQTT) Topic(e tablesync.Entry) string {
	return mqttTopic(p.prefix, e)
}

func mqttTopic(prefix string, e tablesync.Entry) string {
	return fmt.Sprintf("%s/%s/%s/state", prefix, mqttLevel(e.ID.Schema), mqttLevel(e.ID.Name))
}

// mqttLevel replaces wildcard and separator characters.
func mqttLevel(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

func (p *MQTT) Publish(ctx context.Context, e tablesync.Entry, payload []byte) error {
	topic := p.Topic(e)
	token := p.client.Publish(topic, p.qos, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug("published", zap.String("topic", topic))
	return nil
}

func (p *MQTT) Close() error {
	p.client.Publish(p.statusTopic(), p.qos, true, "offline").WaitTimeout(time.Second)
	p.client.Disconnect(250)
	return nil
}
