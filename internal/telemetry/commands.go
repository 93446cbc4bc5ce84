package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
	"github.com/warpfluidics/warpd/internal/infrastructure/mqtt"
	"github.com/warpfluidics/warpd/internal/sequence"
)

// MQTTSubscriber is the slice of the MQTT client the command consumer uses.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// ErrUnknownCommand is returned when an inbound command topic names a
// verb the consumer does not understand.
var ErrUnknownCommand = errors.New("telemetry: unknown command")

// Commands dispatches inbound MQTT commands to the cell controller and
// sequence engine. It subscribes to the cell's command pattern
// (warpd/cell/{id}/command/#) and maps the final topic segment to an
// operation:
//
//	start          {"sequence": "name"}  start a sequence run
//	stop                                 stop the active run
//	home                                 home all devices
//	clear                                clear an ERROR state
//	emergency_stop                       immediate halt and safing
//	recover        {"confirm": true}     leave EMERGENCY_STOPPED
//
// Malformed payloads and unknown verbs are rejected with an error; the
// MQTT client logs the failure and the broker connection is unaffected.
//
// Thread Safety:
//   - Handlers run on the MQTT client's callback goroutine. All
//     dispatched operations are safe for concurrent use, so no
//     additional locking is needed here.
type Commands struct {
	cellID string
	ctrl   *cell.Controller
	engine *sequence.Engine
	log    *logging.Logger
	topics mqtt.Topics
}

// NewCommands creates a command consumer for the given cell.
//
// Parameters:
//   - cellID: Identifier of the automation cell, used in the topic filter
//   - ctrl: Controller receiving home/clear/e-stop/recover commands
//   - engine: Engine receiving start/stop commands
//   - log: Structured logger
func NewCommands(cellID string, ctrl *cell.Controller, engine *sequence.Engine, log *logging.Logger) *Commands {
	if log == nil {
		log = logging.Default()
	}
	log = log.With("component", "commands")
	return &Commands{
		cellID: cellID,
		ctrl:   ctrl,
		engine: engine,
		log:    log,
	}
}

// Attach subscribes the consumer to the cell's command topics. The
// subscription is tracked by the client and restored after reconnects.
func (c *Commands) Attach(client MQTTSubscriber, qos byte) error {
	return client.Subscribe(c.topics.CellCommands(c.cellID), qos, c.Handle)
}

// Handle processes a single inbound command message. Exported so tests
// and alternative transports can invoke the dispatch directly.
func (c *Commands) Handle(topic string, payload []byte) error {
	verb := commandVerb(topic)
	if verb == "" {
		return fmt.Errorf("%w: topic %q", ErrUnknownCommand, topic)
	}

	c.log.Info("command received", "command", verb, "topic", topic)

	// Commands arrive from a broker callback with no caller to carry a
	// deadline, so each dispatch gets a fresh background context.
	ctx := context.Background()

	switch verb {
	case "start":
		return c.handleStart(payload)
	case "stop":
		return c.engine.Stop()
	case "home":
		return c.ctrl.Home(ctx)
	case "clear":
		return c.ctrl.ClearError()
	case "emergency_stop":
		return c.ctrl.EmergencyStop(ctx)
	case "recover":
		return c.handleRecover(payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
	}
}

func (c *Commands) handleStart(payload []byte) error {
	var req struct {
		Sequence string `json:"sequence"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("telemetry: decoding start command: %w", err)
	}
	if req.Sequence == "" {
		return errors.New("telemetry: start command missing sequence name")
	}

	runID, err := c.engine.Start(req.Sequence)
	if err != nil {
		return err
	}
	c.log.Info("sequence started via command", "sequence", req.Sequence, "run_id", runID)
	return nil
}

func (c *Commands) handleRecover(payload []byte) error {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("telemetry: decoding recover command: %w", err)
	}
	return c.ctrl.Recover(req.Confirm)
}

// commandVerb extracts the command name from a topic of the form
// warpd/cell/{id}/command/{verb}. Returns "" when the topic does not
// contain a command segment.
func commandVerb(topic string) string {
	const marker = "/command/"
	idx := strings.Index(topic, marker)
	if idx < 0 {
		return ""
	}
	return topic[idx+len(marker):]
}
