package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrPublisherStopped = errors.New("mqtt publisher stopped")

// MQTTConfig selects the broker
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	// TopicPrefix is followed by /<chip>
	TopicPrefix string
}

// MQTTPublisher publishes readings as JSON. Publish never waits for the
// broker; delivery failures are logged.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// NewMQTTPublisher creates a publisher with auto reconnect enabled
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := newPublisher(nil, cfg.TopicPrefix, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

func newPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *MQTTPublisher {
	if prefix == "" {
		prefix = "ads1100"
	}
	return &MQTTPublisher{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Connect waits for the first connection, respecting ctx and Disconnect
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrPublisherStopped
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrPublisherStopped
		default:
		}
	}
}

// Topic returns the topic readings of chip are published on
func (p *MQTTPublisher) Topic(chip string) string {
	return p.prefix + "/" + chip
}

// Publish queues one reading
func (p *MQTTPublisher) Publish(chip string, readTime, value float64) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(Reading{Chip: chip, ReadTime: readTime, Value: value, RecordedAt: p.now()})
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	topic := p.Topic(chip)
	token := p.client.Publish(topic, 1, false, data)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if !token.WaitTimeout(p.timeout) {
			p.logger.Warn("publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Error("failed to publish reading", "topic", topic, "error", err)
			return
		}
		p.logger.Debug("published reading", "topic", topic, "value", value)
	}()
	return nil
}

// Callback returns a ReadingFunc publishing the readings of chip
func (p *MQTTPublisher) Callback(chip string) ReadingFunc {
	return func(readTime, value float64) {
		if err := p.Publish(chip, readTime, value); err != nil {
			p.logger.Debug("reading not published", "chip", chip, "error", err)
		}
	}
}

// IsConnected reports whether the broker connection is up
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect waits for queued publishes and closes the connection. It is
// safe to call more than once.
func (p *MQTTPublisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.inflight.Wait()
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
