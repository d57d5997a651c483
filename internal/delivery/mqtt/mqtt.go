// Package mqtt implements delivery.Transport on an MQTT 3.1.1 broker using
// the Eclipse Paho client. The client's own reconnect logic is disabled so
// that delivery.Channel alone decides when to reconnect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrWong99/millwright/internal/delivery"
)

// Defaults.
const (
	DefaultPort      = 1883
	DefaultClientID  = "windmill-assistant"
	DefaultKeepAlive = 60 * time.Second

	// disconnectQuiesce is how long Disconnect lets in-flight work finish, in
	// milliseconds.
	disconnectQuiesce = 250
)

// Config describes the broker connection.
type Config struct {
	// Broker is a host name or a full URL such as tcp://host:1883.
	Broker string
	Port   int
	Topic  string

	Username string
	Password string

	ClientID string

	// UniqueClientID appends a random suffix to ClientID so several
	// instances can share a broker.
	UniqueClientID bool

	KeepAlive time.Duration
	QoS       byte
	Retained  bool
}

// Validate reports missing or invalid settings.
func (c Config) Validate() error {
	var errs []error
	if c.Broker == "" {
		errs = append(errs, errors.New("broker must not be empty"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic must not be empty"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	return errors.Join(errs...)
}

// BrokerURL returns broker unchanged when it already carries a scheme and
// tcp://broker:port otherwise.
func BrokerURL(broker string, port int) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	if port == 0 {
		port = DefaultPort
	}
	return "tcp://" + broker + ":" + strconv.Itoa(port)
}

// Transport is a Paho-backed delivery.Transport.
type Transport struct {
	cfg    Config
	client paho.Client
	lost   chan error
}

// New builds a Transport. It does not connect.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt: invalid config: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.UniqueClientID {
		cfg.ClientID += "-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	t := &Transport{cfg: cfg, lost: make(chan error, 1)}

	opts := paho.NewClientOptions().
		AddBroker(BrokerURL(cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(t.onLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	t.client = paho.NewClient(opts)
	return t, nil
}

// ClientID returns the effective client identifier.
func (t *Transport) ClientID() string { return t.cfg.ClientID }

// Topic returns the publish topic.
func (t *Transport) Topic() string { return t.cfg.Topic }

// Connect implements delivery.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	if err := wait(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", BrokerURL(t.cfg.Broker, t.cfg.Port), err)
	}
	return nil
}

// Send implements delivery.Transport.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return delivery.ErrNotConnected
	}
	if err := wait(ctx, t.client.Publish(t.cfg.Topic, t.cfg.QoS, t.cfg.Retained, payload)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", t.cfg.Topic, err)
	}
	return nil
}

// Disconnect implements delivery.Transport.
func (t *Transport) Disconnect() error {
	if t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

// Lost implements delivery.Transport.
func (t *Transport) Lost() <-chan error { return t.lost }

func (t *Transport) onLost(_ paho.Client, err error) {
	select {
	case t.lost <- err:
	default:
	}
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ delivery.Transport = (*Transport)(nil)
