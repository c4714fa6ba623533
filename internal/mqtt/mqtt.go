// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, announces every
// light through HA auto-discovery, relays HA commands into the gateway
// protocol, and forwards state changes from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/goveed/internal/core/device"
	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration and collaborators
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Registry is the read side of the device controller.
type Registry interface {
	Devices() []device.Device
	Device(id string) (device.Device, bool)
}

// Processor runs one protocol frame through validation and dispatch.
type Processor interface {
	Process(ctx context.Context, frame []byte) protocol.Reply
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher announces lights to Home Assistant, publishes their state and
// turns HA light commands into gateway requests.
type HAPublisher struct {
	cfg       Config
	registry  Registry
	processor Processor
	bus       *state.EventBus
	log       *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, registry Registry, processor Processor, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:       cfg,
		registry:  registry,
		processor: processor,
		bus:       bus,
		log:       log,
		stopC:     make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker in the background and starts listening
// on the EventBus. It does not wait for the broker: paho keeps retrying, and
// discovery, command subscriptions and the initial state snapshot are
// (re)published from the connect handler once a connection is up.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()

	p.wg.Add(1)
	go p.watchConnect(token)

	evtCh, unsub := p.bus.Subscribe(128, state.EventDeviceAdded, state.EventStateChanged)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// watchConnect reports the outcome of the initial connect. With connect
// retry on, the token only completes once a broker answers or the attempt
// is aborted by Stop.
func (p *HAPublisher) watchConnect(token pahomqtt.Token) {
	defer p.wg.Done()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.log.Warn("MQTT connect failed", "broker", p.cfg.Broker, "error", err)
		}
	case <-p.stopC:
	}
}

// Stop publishes offline availability, disconnects and stops the event loop.
// A connect still being retried is aborted.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil {
		if p.client.IsConnected() {
			p.publish(p.availabilityTopic(), "offline", true)
		}
		p.client.Disconnect(250)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// onConnect runs on every (re)connect.
func (p *HAPublisher) onConnect() {
	p.publish(p.availabilityTopic(), "online", true)

	for _, d := range p.registry.Devices() {
		p.publishDevice(d)
	}

	cmdTopic := p.cfg.TopicPrefix + "/+/set"
	if token := p.client.Subscribe(cmdTopic, 1, p.handleCommand); token.Wait() && token.Error() != nil {
		p.log.Error("failed to subscribe to command topic", "topic", cmdTopic, "error", token.Error())
	}

	// HA birth message: re-announce everything.
	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			for _, d := range p.registry.Devices() {
				p.publishDevice(d)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Discovery and state
// ---------------------------------------------------------------------------

// objectID turns a device id such as "AA:BB:CC:DD" into a topic- and
// HA-safe identifier.
func objectID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (p *HAPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// topic builds a per-device topic: {prefix}/{object_id}/{suffix}.
func (p *HAPublisher) topic(id, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, objectID(id), suffix)
}

func (p *HAPublisher) discoveryTopic(id string) string {
	return fmt.Sprintf("%s/light/goveed_%s/config", p.cfg.DiscoveryPrefix, objectID(id))
}

// discoveryConfig builds the HA JSON-schema light config for d.
func (p *HAPublisher) discoveryConfig(d device.Device) map[string]any {
	model := d.Model
	if model == "" {
		model = "Govee light"
	}
	return map[string]any{
		"name":                  nil,
		"unique_id":             "goveed_" + objectID(d.ID),
		"schema":                "json",
		"state_topic":           p.topic(d.ID, "state"),
		"command_topic":         p.topic(d.ID, "set"),
		"availability_topic":    p.availabilityTopic(),
		"brightness":            true,
		"brightness_scale":      100,
		"supported_color_modes": []string{"rgb", "color_temp"},
		"color_temp_kelvin":     true,
		"min_kelvin":            2000,
		"max_kelvin":            9000,
		"device": map[string]any{
			"identifiers":  []string{"goveed_" + objectID(d.ID)},
			"name":         fmt.Sprintf("Govee %s", d.ID),
			"manufacturer": "Govee",
			"model":        model,
		},
	}
}

// lightState is the HA JSON-schema state payload.
type lightState struct {
	State      string      `json:"state"`
	Brightness *int        `json:"brightness,omitempty"`
	ColorMode  string      `json:"color_mode,omitempty"`
	Color      *device.RGB `json:"color,omitempty"`
	ColorTemp  *int        `json:"color_temp,omitempty"`
}

func statePayload(st device.State) lightState {
	b := st.Brightness
	ls := lightState{State: boolToOnOff(st.On), Brightness: &b}
	switch {
	case st.Color != nil:
		c := *st.Color
		ls.ColorMode, ls.Color = "rgb", &c
	case st.ColorTemperature != nil:
		k := *st.ColorTemperature
		ls.ColorMode, ls.ColorTemp = "color_temp", &k
	}
	return ls
}

func (p *HAPublisher) publishDevice(d device.Device) {
	p.publishJSON(p.discoveryTopic(d.ID), p.discoveryConfig(d))
	if d.State != nil {
		p.publishJSON(p.topic(d.ID, "state"), statePayload(*d.State))
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// lightCommand is the HA JSON-schema command payload.
type lightCommand struct {
	State      string      `json:"state"`
	Brightness *int        `json:"brightness"`
	Color      *device.RGB `json:"color"`
	ColorTemp  *int        `json:"color_temp"`
}

// commandFrames translates an HA command for device id into gateway protocol
// frames, in execution order. current is the cached state, used to keep the
// brightness when only a color temperature is sent.
func commandFrames(id string, payload []byte, current *device.State) ([][]byte, error) {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("mqtt: decode command: %w", err)
	}

	var frames [][]byte
	add := func(c protocol.Command, data any) error {
		frame, err := json.Marshal(map[string]any{"msg": map[string]any{"cmd": c, "deviceId": id, "data": data}})
		if err != nil {
			return err
		}
		frames = append(frames, frame)
		return nil
	}

	switch strings.ToUpper(cmd.State) {
	case "OFF":
		if err := add(protocol.CmdOnOff, 0); err != nil {
			return nil, err
		}
		return frames, nil
	case "ON":
		isOn := current != nil && current.On
		if !isOn || (cmd.Brightness == nil && cmd.Color == nil && cmd.ColorTemp == nil) {
			if err := add(protocol.CmdOnOff, 1); err != nil {
				return nil, err
			}
		}
	case "":
	default:
		return nil, fmt.Errorf("mqtt: unknown state %q", cmd.State)
	}

	switch {
	case cmd.ColorTemp != nil:
		level := 100
		if current != nil {
			level = current.Brightness
		}
		if cmd.Brightness != nil {
			level = *cmd.Brightness
		}
		if err := add(protocol.CmdColorTemp, map[string]int{"level": level, "colorTemInKelvin": *cmd.ColorTemp}); err != nil {
			return nil, err
		}
	case cmd.Color != nil:
		if err := add(protocol.CmdColor, *cmd.Color); err != nil {
			return nil, err
		}
		if cmd.Brightness != nil {
			if err := add(protocol.CmdLevel, *cmd.Brightness); err != nil {
				return nil, err
			}
		}
	case cmd.Brightness != nil:
		if err := add(protocol.CmdLevel, *cmd.Brightness); err != nil {
			return nil, err
		}
	}
	return frames, nil
}

// resolve maps a topic object id back to a device.
func (p *HAPublisher) resolve(obj string) (device.Device, bool) {
	for _, d := range p.registry.Devices() {
		if objectID(d.ID) == obj {
			return d, true
		}
	}
	return device.Device{}, false
}

func (p *HAPublisher) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 {
		return
	}
	obj := parts[len(parts)-2]

	d, ok := p.resolve(obj)
	if !ok {
		p.log.Warn("MQTT command for unknown device", "topic", msg.Topic())
		return
	}

	frames, err := commandFrames(d.ID, msg.Payload(), d.State)
	if err != nil {
		p.log.Error("invalid MQTT command", "device_id", d.ID, "error", err)
		return
	}

	p.log.Info("MQTT command", "device_id", d.ID, "requests", len(frames))
	for _, frame := range frames {
		reply := p.processor.Process(context.Background(), frame)
		if reply.IsError() {
			p.log.Error("MQTT command failed", "device_id", d.ID, "error", reply.Err)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	d, ok := evt.Data.(device.Device)
	if !ok {
		return
	}
	switch evt.Type {
	case state.EventDeviceAdded:
		p.publishDevice(d)
	case state.EventStateChanged:
		if d.State != nil {
			p.publishJSON(p.topic(d.ID, "state"), statePayload(*d.State))
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("failed to marshal MQTT payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
