// Package notify publishes ALARM events to an MQTT broker so a remote
// monitor sees overdue keys and door alarms without polling the cabinet.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

const (
	qosAtLeastOnce  = 1
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // ms
)

var ErrPublishTimeout = errors.New("notify: publish timed out")

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

// MQTTPublisher implements the recorder's Notifier.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
}

// NewMQTTPublisher connects to cfg.Broker. The client reconnects on its own
// after the first successful connect.
func NewMQTTPublisher(cfg Config, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", cfg.Broker, token.Error())
	}
	logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("topic", cfg.Topic))

	return &MQTTPublisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

func (p *MQTTPublisher) Notify(ctx context.Context, e types.EventLogEntry) error {
	payload, err := EncodeEvent(e)
	if err != nil {
		return err
	}

	token := p.client.Publish(p.topic, qosAtLeastOnce, false, payload)
	deadline := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}
	if !token.WaitTimeout(deadline) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", e.EventID, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectQuiet)
}

// EncodeEvent renders e as a JSON object. Nil user and key ids are omitted.
func EncodeEvent(e types.EventLogEntry) ([]byte, error) {
	fields := map[string]any{
		"event_id":  string(e.EventID),
		"severity":  string(e.Severity),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.UserID != nil {
		fields["user_id"] = float64(*e.UserID)
	}
	if e.KeyID != nil {
		fields["key_id"] = float64(*e.KeyID)
	}
	if e.AccessSessionID != "" {
		fields["session"] = e.AccessSessionID
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", e.EventID, err)
	}
	return protojson.Marshal(s)
}
