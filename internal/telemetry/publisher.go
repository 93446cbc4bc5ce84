package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
	"github.com/warpfluidics/warpd/internal/infrastructure/mqtt"
)

// MQTTPublisher is the slice of the MQTT client the publisher uses.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
}

// MetricWriter is the slice of the InfluxDB client the publisher uses.
// Writes are fire-and-forget; the underlying client batches them.
type MetricWriter interface {
	WriteFlowMetric(cellID string, flowMLMin, totalML float64)
	WriteTemperatureMetric(cellID string, measuredC, targetC float64, enabled bool)
	WriteAxisMetric(cellID, axis string, positionMM float64)
}

// Publisher relays broadcaster events to MQTT and InfluxDB.
//
// Status snapshots go to the retained cell status topic so new MQTT
// subscribers immediately see the current state; discrete events go to
// per-type event topics. Snapshot sensor channels are also written to
// InfluxDB as measurements.
//
// Thread Safety:
//   - Run is the only entry point and owns all state; run one Publisher
//     per broadcaster on its own goroutine.
type Publisher struct {
	cellID string
	qos    byte
	bus    *broadcast.Broadcaster
	mqtt   MQTTPublisher
	influx MetricWriter
	log    *logging.Logger
	topics mqtt.Topics
}

// NewPublisher creates a publisher for the given cell.
//
// Parameters:
//   - cellID: Identifier of the automation cell, used in topics and tags
//   - qos: MQTT QoS for event topics (status uses the client default)
//   - bus: Event broadcaster to subscribe to
//   - mqttClient: MQTT sink, or nil when MQTT is disabled
//   - influxClient: InfluxDB sink, or nil when telemetry is disabled
//   - log: Structured logger
func NewPublisher(cellID string, qos byte, bus *broadcast.Broadcaster, mqttClient MQTTPublisher, influxClient MetricWriter, log *logging.Logger) *Publisher {
	return &Publisher{
		cellID: cellID,
		qos:    qos,
		bus:    bus,
		mqtt:   mqttClient,
		influx: influxClient,
		log:    log,
	}
}

// Run consumes broadcaster events until ctx is cancelled or the
// broadcaster closes. Sink failures are logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context) {
	sub := p.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			p.handle(evt)
		}
	}
}

func (p *Publisher) handle(evt broadcast.Event) {
	if evt.Type == broadcast.EventStatus {
		snap, ok := evt.Payload.(cell.Snapshot)
		if !ok {
			p.log.Warn("status event with unexpected payload", "payload_type", fmt.Sprintf("%T", evt.Payload))
			return
		}
		p.publishStatus(snap)
		p.writeMetrics(snap)
		return
	}

	p.publishEvent(evt)
}

// publishStatus publishes a retained snapshot so new subscribers see
// the current cell state immediately.
func (p *Publisher) publishStatus(snap cell.Snapshot) {
	if p.mqtt == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("marshalling status snapshot failed", "error", err)
		return
	}
	if err := p.mqtt.PublishRetained(p.topics.CellStatus(p.cellID), data); err != nil {
		p.log.Warn("publishing status snapshot failed", "error", err)
	}
}

func (p *Publisher) publishEvent(evt broadcast.Event) {
	if p.mqtt == nil {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("marshalling event failed", "type", evt.Type, "error", err)
		return
	}
	if err := p.mqtt.Publish(p.topics.CellEvent(p.cellID, evt.Type), data, p.qos, false); err != nil {
		p.log.Warn("publishing event failed", "type", evt.Type, "error", err)
	}
}

func (p *Publisher) writeMetrics(snap cell.Snapshot) {
	if p.influx == nil {
		return
	}

	p.influx.WriteFlowMetric(p.cellID, snap.Flow.FlowMLMin, snap.Flow.TotalML)
	p.influx.WriteTemperatureMetric(p.cellID, snap.Temperature.MeasuredC, snap.Temperature.TargetC, snap.Temperature.Enabled)
	p.influx.WriteAxisMetric(p.cellID, "vertical", snap.Vertical.PositionMM)
	p.influx.WriteAxisMetric(p.cellID, "horizontal", snap.Horizontal.PositionMM)
}
