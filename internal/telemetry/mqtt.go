package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/agsteer/agsteer/internal/logger"
	"go.uber.org/zap"
)

// Config mirrors the mqtt section of the process config.
type Config struct {
	Enabled bool
	Broker  string
	Topic   string
	QoS     byte
}

// Publisher ships status snapshots and out-of-band events to an MQTT
// broker. It is entirely off the control path: a dead broker costs
// nothing but a dropped publish.
type Publisher struct {
	cfg    Config
	bootID string

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool

	events chan eventMsg
	stop   chan struct{}
	log    *zap.Logger
}

type eventMsg struct {
	BootID  string                 `json:"boot_id"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Source  string                 `json:"source"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

// NewPublisher creates a Publisher. bootID tags every message with the
// process incarnation.
func NewPublisher(cfg Config, bootID string) *Publisher {
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &Publisher{
		cfg:    cfg,
		bootID: bootID,
		events: make(chan eventMsg, 64),
		stop:   make(chan struct{}),
		log:    logger.WithComponent("telemetry"),
	}
}

// Start connects and launches the event drain goroutine.
func (p *Publisher) Start() error {
	if !p.cfg.Enabled {
		return nil
	}
	if err := p.connect(); err != nil {
		return err
	}
	go p.drainEvents()
	return nil
}

func (p *Publisher) connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("agsteer_%s", p.bootID[:8])).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connect timeout to %s", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	p.mu.Lock()
	p.client = client
	p.connected = true
	p.mu.Unlock()

	p.log.Info("telemetry connected", zap.String("broker", p.cfg.Broker))
	return nil
}

// PublishStatus ships a status snapshot. Failures are dropped.
func (p *Publisher) PublishStatus(snapshot map[string]interface{}) {
	p.mu.RLock()
	client := p.client
	connected := p.connected
	p.mu.RUnlock()
	if !connected || client == nil {
		return
	}

	snapshot["boot_id"] = p.bootID
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
}

// EventSink adapts the Publisher to the logger's out-of-band event sink.
// Non-blocking: a full queue drops the event rather than stall a logger
// call on the control path.
func (p *Publisher) EventSink(ev logger.Event) {
	if !p.cfg.Enabled {
		return
	}
	msg := eventMsg{
		BootID:  p.bootID,
		Level:   ev.Level,
		Message: ev.Message,
		Source:  ev.Source,
		Fields:  ev.Fields,
		Time:    ev.Time,
	}
	select {
	case p.events <- msg:
	default:
	}
}

func (p *Publisher) drainEvents() {
	topic := p.cfg.Topic + "/events"
	for {
		select {
		case <-p.stop:
			return
		case msg := <-p.events:
			p.mu.RLock()
			client := p.client
			connected := p.connected
			p.mu.RUnlock()
			if !connected || client == nil {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			client.Publish(topic, p.cfg.QoS, false, payload)
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	close(p.stop)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
		p.connected = false
	}
}
