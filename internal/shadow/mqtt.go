package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the live-update subscription.
type MQTTConfig struct {
	BrokerHost string
	BrokerPort int
	ClientID   string
	Username   string
	Password   string
	TLSEnabled bool

	AASRepoID      string
	SubmodelRepoID string
	AASID          string
	// SubmodelIDs lists the submodels to subscribe to and to resync on
	// reconnect. The topic filter used is
	// twinops/{SubmodelRepoID}/{AASID}/{submodelID}/#.
	SubmodelIDs []string
}

// Subscription owns the MQTT client lifecycle: subscribing to each
// configured submodel's topic tree, applying incoming updates to the
// Shadow Twin, and triggering a full HTTP resync whenever the connection
// is (re-)established — matching the original Python
// ShadowTwinManager._on_mqtt_reconnect, which always forces a full sync
// rather than trusting retained messages alone to catch up.
type Subscription struct {
	client mqtt.Client
	twin   *Twin
	cfg    MQTTConfig
}

// Connect establishes the MQTT connection and subscribes to every
// configured submodel's topic tree. The OnConnect handler performs an
// initial (and every subsequent reconnect's) full HTTP resync before
// relying on incremental MQTT updates.
func Connect(ctx context.Context, twin *Twin, cfg MQTTConfig) (*Subscription, error) {
	s := &Subscription{twin: twin, cfg: cfg}

	scheme := "tcp"
	if cfg.TLSEnabled {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("shadow.mqtt connection_lost error=%q", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if token.WaitTimeout(30 * time.Second); token.Error() != nil {
		return nil, fmt.Errorf("shadow: mqtt connect: %w", token.Error())
	}
	return s, nil
}

func (s *Subscription) onConnect(client mqtt.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, submodelID := range s.cfg.SubmodelIDs {
		if err := s.twin.Refresh(ctx, submodelID); err != nil {
			log.Printf("shadow.mqtt resync_failed submodel=%s error=%q", submodelID, err)
		}

		topic := fmt.Sprintf("twinops/%s/%s/%s/#", s.cfg.SubmodelRepoID, s.cfg.AASID, submodelID)
		if token := client.Subscribe(topic, 1, s.handleMessage); token.Wait() && token.Error() != nil {
			log.Printf("shadow.mqtt subscribe_failed topic=%s error=%q", topic, token.Error())
		}
	}
}

func (s *Subscription) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	submodelID, path, ok := TopicPath(msg.Topic())
	if !ok {
		return
	}

	var payload any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		// Not all publishers wrap values in JSON; fall back to the raw string.
		payload = string(msg.Payload())
	}

	receivedAt := time.Now()
	observedAt := receivedAt
	if obj, ok := payload.(map[string]any); ok {
		observedAt = ParseTimestampField(obj, receivedAt)
		if v, has := obj["value"]; has {
			payload = v
		}
	}

	s.twin.ApplyUpdate(submodelID, path, payload, observedAt)
}

// Close disconnects the MQTT client.
func (s *Subscription) Close() {
	s.client.Disconnect(250)
}
