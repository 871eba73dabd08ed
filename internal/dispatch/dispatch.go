// Package dispatch bridges the in-process event bus to an MQTT broker so
// dashboards and home-automation integrations can follow scans and action
// executions without polling the HTTP API.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/plugin"
)

// Plugin implements the MQTT dispatch module.
type Plugin struct {
	logger *zap.Logger
	config *viper.Viper
	bus    plugin.EventBus

	client      mqtt.Client
	unsubscribe func()
	topicPrefix string
	qos         byte
}

// New creates a dispatch plugin forwarding from the given bus.
func New(bus plugin.EventBus) *Plugin {
	return &Plugin{bus: bus}
}

func (p *Plugin) Name() string    { return "dispatch" }
func (p *Plugin) Version() string { return "0.1.0" }

func (p *Plugin) Init(config *viper.Viper, logger *zap.Logger) error {
	p.config = config
	p.logger = logger

	config.SetDefault("broker", "tcp://127.0.0.1:1883")
	config.SetDefault("client_id", "panelgrid-hub")
	config.SetDefault("topic_prefix", "panelgrid")
	config.SetDefault("qos", 0)

	p.topicPrefix = config.GetString("topic_prefix")
	p.qos = byte(config.GetUint("qos"))

	opts := mqtt.NewClientOptions().
		AddBroker(config.GetString("broker")).
		SetClientID(config.GetString("client_id")).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if user := config.GetString("username"); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(config.GetString("password"))
	}
	p.client = mqtt.NewClient(opts)

	p.logger.Info("dispatch module initialized",
		zap.String("broker", config.GetString("broker")),
		zap.String("topic_prefix", p.topicPrefix),
	)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		// ConnectRetry keeps trying in the background; a dead broker at
		// boot must not take the hub down.
		p.logger.Warn("mqtt broker unreachable, retrying in background", zap.Error(token.Error()))
	}

	p.unsubscribe = p.bus.SubscribeAll(p.forward)
	p.logger.Info("dispatch module started")
	return nil
}

func (p *Plugin) Stop() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.logger.Info("dispatch module stopped")
	return nil
}

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: p.handleStatus},
	}
}

// forward publishes one bus event to the broker. Publishes are fire and
// forget; a disconnected client buffers or drops per paho semantics.
func (p *Plugin) forward(_ context.Context, event plugin.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("dropping unencodable event", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	topic := mqttTopic(p.topicPrefix, event.Topic)
	p.client.Publish(topic, p.qos, false, payload)
}

// mqttTopic maps a dotted bus topic onto the broker's slash hierarchy:
// "discovery.panel.found" becomes "<prefix>/discovery/panel/found".
func mqttTopic(prefix, busTopic string) string {
	return fmt.Sprintf("%s/%s", prefix, strings.ReplaceAll(busTopic, ".", "/"))
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected := p.client != nil && p.client.IsConnectionOpen()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connected":    connected,
		"topic_prefix": p.topicPrefix,
	})
}
