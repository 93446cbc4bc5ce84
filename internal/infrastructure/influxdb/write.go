package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteFlowMetric records the flow sensor reading for a cell.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - cellID: Identifier of the automation cell
//   - flowMLMin: Instantaneous flow rate in mL/min
//   - totalML: Cumulative dispensed volume in mL since last reset
func (c *Client) WriteFlowMetric(cellID string, flowMLMin, totalML float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"flow",
		map[string]string{
			"cell_id": cellID,
		},
		map[string]interface{}{
			"flow_ml_min": flowMLMin,
			"total_ml":    totalML,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTemperatureMetric records the temperature loop state for a cell.
//
// Parameters:
//   - cellID: Identifier of the automation cell
//   - measuredC: Measured temperature in degrees Celsius
//   - targetC: Current loop target in degrees Celsius
//   - enabled: Whether the control loop is energised
func (c *Client) WriteTemperatureMetric(cellID string, measuredC, targetC float64, enabled bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"temperature",
		map[string]string{
			"cell_id": cellID,
		},
		map[string]interface{}{
			"measured_c": measuredC,
			"target_c":   targetC,
			"enabled":    enabled,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAxisMetric records a linear axis position.
//
// Parameters:
//   - cellID: Identifier of the automation cell
//   - axis: Axis name ("vertical" or "horizontal")
//   - positionMM: Current position in millimetres
func (c *Client) WriteAxisMetric(cellID, axis string, positionMM float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"axis",
		map[string]string{
			"cell_id": cellID,
			"axis":    axis,
		},
		map[string]interface{}{
			"position_mm": positionMM,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "cell-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
