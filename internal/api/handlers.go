package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warpfluidics/warpd/internal/hardware"
)

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseOnOff converts an {on|off} path segment to a boolean.
func parseOnOff(state string) (bool, bool) {
	switch state {
	case "on":
		return true, true
	case "off":
		return false, true
	default:
		return false, false
	}
}

// handleStatus returns a full cell snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Sequence control
// =============================================================================

// handleStartSequence launches a named sequence.
func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	runID, err := s.engine.Start(name)
	if err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   runID,
		"sequence": name,
	})
}

// handleStopSequence cancels the active run.
func (s *Server) handleStopSequence(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Stop(); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// handleListSequences returns the sequence library.
func (s *Server) handleListSequences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sequences": s.library.List(),
	})
}

// handleListRuns returns recent run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs failed", "error", err)
		writeInternalError(w, "querying run history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// =============================================================================
// Safety commands
// =============================================================================

// handleHome re-references the syringe and both axes.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Home(r.Context()); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleClearError acknowledges a fatal run failure without homing.
func (s *Server) handleClearError(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.ClearError(); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleEmergencyStop executes the emergency stop. Accepted in every
// state; a partial safing failure is reported but the stop stands.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.EmergencyStop(r.Context()); err != nil {
		s.logger.Error("emergency stop reported device failures", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "emergency_stopped",
			"warning":  "one or more outputs failed to safe",
			"detail":   err.Error(),
			"snapshot": s.ctrl.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "emergency_stopped",
		"snapshot": s.ctrl.Snapshot(),
	})
}

type recoverRequest struct {
	Confirm bool `json:"confirm"`
}

// handleRecover leaves the emergency stop state. Requires an explicit
// {"confirm": true} body.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.ctrl.Recover(req.Confirm); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Relays
// =============================================================================

// handleRelay switches one relay channel on or off.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeBadRequest(w, "channel must be an integer")
		return
	}
	on, ok := parseOnOff(chi.URLParam(r, "state"))
	if !ok {
		writeBadRequest(w, "state must be 'on' or 'off'")
		return
	}

	if err := s.ctrl.SetRelay(r.Context(), channel, on); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleAllRelays switches every relay channel on or off.
func (s *Server) handleAllRelays(w http.ResponseWriter, r *http.Request) {
	on, ok := parseOnOff(chi.URLParam(r, "state"))
	if !ok {
		writeBadRequest(w, "state must be 'on' or 'off'")
		return
	}

	if err := s.ctrl.SetAllRelays(r.Context(), on); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Rotary valve
// =============================================================================

// handleRotary rotates the selector valve to the given port.
func (s *Server) handleRotary(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		writeBadRequest(w, "port must be an integer")
		return
	}

	if err := s.ctrl.SelectRotaryPort(r.Context(), port); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Syringe pump
// =============================================================================

type syringeMoveRequest struct {
	VolumeML  float64 `json:"volume_ml"`
	FlowMLMin float64 `json:"flow_ml_min"`
	Direction string  `json:"direction"`
}

// handleSyringeMove transfers a volume in the requested direction.
func (s *Server) handleSyringeMove(w http.ResponseWriter, r *http.Request) {
	var req syringeMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	dir := hardware.SyringeDirection(req.Direction)
	if !dir.IsValid() {
		writeBadRequest(w, "direction must be 'aspirate' or 'dispense'")
		return
	}

	if err := s.ctrl.MoveSyringe(r.Context(), req.VolumeML, req.FlowMLMin, dir); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleSyringeStop halts the plunger.
func (s *Server) handleSyringeStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopSyringe(r.Context()); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleSyringeHome references the plunger to zero.
func (s *Server) handleSyringeHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.HomeSyringe(r.Context()); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Axes
// =============================================================================

type axisMoveRequest struct {
	PositionMM *float64 `json:"position_mm,omitempty"`
	Preset     string   `json:"preset,omitempty"`
}

// handleAxisMove moves the named axis to an absolute position or a
// configured preset.
func (s *Server) handleAxisMove(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")

	var req axisMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	position := 0.0
	switch {
	case req.Preset != "":
		resolved, err := s.ctrl.PresetPosition(axis, req.Preset)
		if err != nil {
			writeCellError(w, err)
			return
		}
		position = resolved
	case req.PositionMM != nil:
		position = *req.PositionMM
	default:
		writeBadRequest(w, "either position_mm or preset is required")
		return
	}

	if err := s.ctrl.MoveAxis(r.Context(), axis, position); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleAxisHome references the named axis.
func (s *Server) handleAxisHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.HomeAxis(r.Context(), chi.URLParam(r, "axis")); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Temperature
// =============================================================================

type temperatureEnableRequest struct {
	Enabled bool `json:"enabled"`
}

// handleTemperatureEnable switches the heating loop on or off.
func (s *Server) handleTemperatureEnable(w http.ResponseWriter, r *http.Request) {
	var req temperatureEnableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.ctrl.SetTemperatureEnabled(r.Context(), req.Enabled); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type temperatureTargetRequest struct {
	TargetC float64 `json:"target_c"`
}

// handleTemperatureTarget sets the loop setpoint. While the loop is
// disabled the value is stored and pushed on the next enable.
func (s *Server) handleTemperatureTarget(w http.ResponseWriter, r *http.Request) {
	var req temperatureTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.ctrl.SetTemperatureTarget(r.Context(), req.TargetC); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Flow sensor
// =============================================================================

// handleFlowStart starts flow totalising.
func (s *Server) handleFlowStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SetFlowTotalising(r.Context(), true); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleFlowStop stops flow totalising.
func (s *Server) handleFlowStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SetFlowTotalising(r.Context(), false); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleFlowReset zeroes the flow total.
func (s *Server) handleFlowReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResetFlowTotal(r.Context()); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// =============================================================================
// Peristaltic pump
// =============================================================================

type peristalticDirectionRequest struct {
	Direction string `json:"direction"`
}

// handlePeristalticDirection changes the pump direction.
func (s *Server) handlePeristalticDirection(w http.ResponseWriter, r *http.Request) {
	var req peristalticDirectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	dir := hardware.Direction(req.Direction)
	if !dir.IsValid() {
		writeBadRequest(w, "direction must be 'forward' or 'reverse'")
		return
	}

	if err := s.ctrl.SetPeristalticDirection(r.Context(), dir); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handlePeristalticRun starts or stops the pump.
func (s *Server) handlePeristalticRun(w http.ResponseWriter, r *http.Request) {
	on, ok := parseOnOff(chi.URLParam(r, "state"))
	if !ok {
		writeBadRequest(w, "state must be 'on' or 'off'")
		return
	}

	if err := s.ctrl.SetPeristalticRunning(r.Context(), on); err != nil {
		writeCellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}
