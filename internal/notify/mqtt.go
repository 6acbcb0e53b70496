// Package notify fans classification labels out to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/security"
)

const (
	defaultQueueSize = 256
	publishTimeout   = 5 * time.Second
	connectTimeout   = 10 * time.Second
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	QueueSize   int
	Logger      *slog.Logger
}

type labelMessage struct {
	SessionID string        `json:"session_id"`
	Labels    []model.Label `json:"labels"`
}

type outbound struct {
	topic   string
	payload []byte
}

// Publisher queues label batches and publishes them from one goroutine, so
// PublishLabels never waits on the broker. Batches that do not fit the
// queue are dropped.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// Connect dials the broker and returns a running publisher.
func Connect(opts Options) (*Publisher, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	co := clientOptions(opts, log)
	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out", security.RedactURL(opts.Broker))
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", security.RedactURL(opts.Broker), err)
	}
	return NewPublisher(client, opts), nil
}

// clientOptions builds the paho options. Broker URLs are logged redacted.
func clientOptions(opts Options, log *slog.Logger) *mqtt.ClientOptions {
	broker := security.RedactURL(opts.Broker)
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("neurolinkd-%d", time.Now().Unix())
	}
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected", "broker", broker, "client_id", clientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "broker", broker, "err", err)
	}
	return co
}

func NewPublisher(client Client, opts Options) *Publisher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p := &Publisher{
		client: client,
		prefix: strings.TrimRight(opts.TopicPrefix, "/"),
		qos:    opts.QoS,
		log:    log.With("component", "notify"),
		queue:  make(chan outbound, size),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Topic is where labels of sessionID are published.
func Topic(prefix, sessionID string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return sessionID + "/labels"
	}
	return prefix + "/" + sessionID + "/labels"
}

func (p *Publisher) PublishLabels(ctx context.Context, sessionID string, labels []model.Label) {
	if len(labels) == 0 {
		return
	}
	payload, err := json.Marshal(labelMessage{SessionID: sessionID, Labels: labels})
	if err != nil {
		p.log.Warn("encode labels failed", "session_id", sessionID, "err", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- outbound{topic: Topic(p.prefix, sessionID), payload: payload}:
	default:
		p.log.Warn("label queue full; dropping batch", "session_id", sessionID, "labels", len(labels))
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		token := p.client.Publish(msg.topic, p.qos, false, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			p.log.Warn("mqtt publish timed out", "topic", msg.topic)
			continue
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt publish failed", "topic", msg.topic, "err", err)
		}
	}
}

// Close flushes queued batches and disconnects.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	p.client.Disconnect(250)
}
