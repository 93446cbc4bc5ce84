package mqtt

import "fmt"

// Topic prefixes for the warpd MQTT surface.
//
// All cell topics use the scheme: warpd/cell/{cell_id}/{category}[/{detail}]
const (
	// TopicPrefixCell is the base for per-cell topics.
	TopicPrefixCell = "warpd/cell"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "warpd/system"
)

// Topics provides builders for warpd MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.CellStatus("cell-001")
//	// Returns: "warpd/cell/cell-001/status"
type Topics struct{}

// CellStatus returns the topic for full status snapshots of a cell.
// Published retained so new subscribers see the latest snapshot.
//
// Example: warpd/cell/cell-001/status
func (Topics) CellStatus(cellID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixCell, cellID)
}

// CellEvent returns the topic for discrete cell events.
//
// Example: warpd/cell/cell-001/event/sequence_started
func (Topics) CellEvent(cellID, eventType string) string {
	return fmt.Sprintf("%s/%s/event/%s", TopicPrefixCell, cellID, eventType)
}

// CellRun returns the topic for sequence run lifecycle updates.
//
// Example: warpd/cell/cell-001/run/1f0a2b3c
func (Topics) CellRun(cellID, runID string) string {
	return fmt.Sprintf("%s/%s/run/%s", TopicPrefixCell, cellID, runID)
}

// CellCommand returns the topic for a single inbound command to a cell.
//
// Example: warpd/cell/cell-001/command/start
func (Topics) CellCommand(cellID, command string) string {
	return fmt.Sprintf("%s/%s/command/%s", TopicPrefixCell, cellID, command)
}

// CellCommands returns a pattern matching every inbound command for a cell.
// Subscribe to this to receive start/stop/e-stop requests over MQTT.
//
// Pattern: warpd/cell/cell-001/command/#
func (Topics) CellCommands(cellID string) string {
	return fmt.Sprintf("%s/%s/command/#", TopicPrefixCell, cellID)
}

// SystemStatus returns the system status topic used for online/offline
// announcements and the Last Will message.
//
// Example: warpd/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllCellStatus returns a pattern matching status snapshots from every cell.
//
// Pattern: warpd/cell/+/status
func (Topics) AllCellStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixCell)
}

// AllCellEvents returns a pattern matching all events from every cell.
//
// Pattern: warpd/cell/+/event/+
func (Topics) AllCellEvents() string {
	return fmt.Sprintf("%s/+/event/+", TopicPrefixCell)
}

// AllTopics returns a pattern matching all warpd topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: warpd/#
func (Topics) AllTopics() string {
	return "warpd/#"
}
