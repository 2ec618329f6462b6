package restserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/tickets"
	"github.com/soilsense/trustd/internal/types"
	"github.com/soilsense/trustd/pkg/responseformat"
)

// Handlers holds the HTTP request handlers
type Handlers struct {
	ctrl      *Controller
	formatter *responseformat.Formatter
}

// NewHandlers creates the handler set for a controller
func NewHandlers(c *Controller) *Handlers {
	return &Handlers{ctrl: c, formatter: responseformat.NewFormatter()}
}

// registerSensorRequest is the POST /api/sensors body
type registerSensorRequest struct {
	ExternalID string   `json:"externalId"`
	Zone       string   `json:"zone"`
	Type       string   `json:"type"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// ingestRequest is the POST /api/readings body
type ingestRequest struct {
	ExternalID string                `json:"externalId"`
	Payload    ingest.ReadingPayload `json:"payload"`
}

// batchRequest is the POST /api/readings/batch body
type batchRequest struct {
	Items []ingest.BatchItem `json:"items"`
}

// batchItemResponse is one per-item outcome in the batch response
type batchItemResponse struct {
	ExternalID string         `json:"externalId"`
	Result     *ingest.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// sensorDetail is the GET /api/sensors/{externalId} response: metadata
// plus the latest reading and verdict when present
type sensorDetail struct {
	Sensor        types.Sensor       `json:"sensor"`
	LatestReading *types.Reading     `json:"latestReading,omitempty"`
	LatestTrust   *types.TrustResult `json:"latestTrust,omitempty"`
	OpenTicket    *types.Ticket      `json:"openTicket,omitempty"`
}

// sensorSummary is one row of the GET /api/sensors listing
type sensorSummary struct {
	Sensor types.Sensor       `json:"sensor"`
	Trust  *types.TrustResult `json:"trust,omitempty"`
}

// updateZoneRequest is the PUT /api/sensors/{externalId}/zone body
type updateZoneRequest struct {
	Zone string `json:"zone"`
}

// updateTicketRequest is the PUT /api/tickets/{id} body
type updateTicketRequest struct {
	Status types.TicketStatus `json:"status"`
}

// dashboardResponse combines the fleet summary with the ticket backlog
type dashboardResponse struct {
	types.DashboardSummary
	Tickets types.TicketStats `json:"tickets"`
}

// RegisterSensor handles POST /api/sensors
func (h *Handlers) RegisterSensor(w http.ResponseWriter, req *http.Request) {
	var body registerSensorRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.ExternalID == "" || body.Zone == "" {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "externalId and zone are required")
		return
	}

	sensor, err := h.ctrl.store.RegisterSensor(req.Context(), body.ExternalID, body.Zone, body.Type, body.Latitude, body.Longitude)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusCreated, sensor)
}

// ListSensors handles GET /api/sensors
func (h *Handlers) ListSensors(w http.ResponseWriter, req *http.Request) {
	sensors, err := h.ctrl.store.Sensors(req.Context())
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	latest, err := h.ctrl.store.LatestTrustPerSensor(req.Context())
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	out := make([]sensorSummary, 0, len(sensors))
	for _, s := range sensors {
		row := sensorSummary{Sensor: s}
		if tr, ok := latest[s.ID]; ok {
			trCopy := tr
			row.Trust = &trCopy
		}
		out = append(out, row)
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, out)
}

// GetSensor handles GET /api/sensors/{externalId}
func (h *Handlers) GetSensor(w http.ResponseWriter, req *http.Request) {
	sensor, ok := h.resolveSensor(w, req)
	if !ok {
		return
	}

	detail := sensorDetail{Sensor: sensor}

	if r, found, err := h.ctrl.store.LatestReading(req.Context(), sensor.ID); err != nil {
		h.writeError(w, req, err)
		return
	} else if found {
		detail.LatestReading = &r
	}

	if results, err := h.ctrl.store.RecentTrustResults(req.Context(), sensor.ID, 1); err != nil {
		h.writeError(w, req, err)
		return
	} else if len(results) > 0 {
		detail.LatestTrust = &results[0]
	}

	if t, found, err := h.ctrl.store.OpenTicketForSensor(req.Context(), sensor.ID); err != nil {
		h.writeError(w, req, err)
		return
	} else if found {
		detail.OpenTicket = &t
	}

	h.formatter.WriteResponse(w, req, http.StatusOK, detail)
}

// DeleteSensor handles DELETE /api/sensors/{externalId}
func (h *Handlers) DeleteSensor(w http.ResponseWriter, req *http.Request) {
	sensor, ok := h.resolveSensor(w, req)
	if !ok {
		return
	}
	if err := h.ctrl.store.DeleteSensor(req.Context(), sensor.ID); err != nil {
		h.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSensorZone handles PUT /api/sensors/{externalId}/zone
func (h *Handlers) UpdateSensorZone(w http.ResponseWriter, req *http.Request) {
	sensor, ok := h.resolveSensor(w, req)
	if !ok {
		return
	}

	var body updateZoneRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Zone == "" {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "zone is required")
		return
	}

	if err := h.ctrl.store.UpdateSensorZone(req.Context(), sensor.ID, body.Zone); err != nil {
		h.writeError(w, req, err)
		return
	}
	sensor.Zone = body.Zone
	h.formatter.WriteResponse(w, req, http.StatusOK, sensor)
}

// GetTrustHistory handles GET /api/sensors/{externalId}/trust
func (h *Handlers) GetTrustHistory(w http.ResponseWriter, req *http.Request) {
	sensor, ok := h.resolveSensor(w, req)
	if !ok {
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.formatter.WriteError(w, req, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.ctrl.store.RecentTrustResults(req.Context(), sensor.ID, limit)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, results)
}

// IngestReading handles POST /api/readings
func (h *Handlers) IngestReading(w http.ResponseWriter, req *http.Request) {
	var body ingestRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.ExternalID == "" {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "externalId is required")
		return
	}

	result, err := h.ctrl.ingestor.Ingest(req.Context(), body.ExternalID, body.Payload)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusAccepted, result)
}

// IngestBatch handles POST /api/readings/batch
func (h *Handlers) IngestBatch(w http.ResponseWriter, req *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Items) == 0 {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "batch is empty")
		return
	}

	outcomes := h.ctrl.ingestor.IngestBatch(req.Context(), body.Items)
	out := make([]batchItemResponse, len(outcomes))
	for i, o := range outcomes {
		out[i] = batchItemResponse{ExternalID: o.ExternalID, Result: o.Result}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
		}
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, out)
}

// DashboardSummary handles GET /api/dashboard
func (h *Handlers) DashboardSummary(w http.ResponseWriter, req *http.Request) {
	summary, err := h.ctrl.store.DashboardSummary(req.Context())
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	stats, err := h.ctrl.tickets.Stats(req.Context())
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, dashboardResponse{DashboardSummary: summary, Tickets: stats})
}

// ZoneStatistics handles GET /api/zones
func (h *Handlers) ZoneStatistics(w http.ResponseWriter, req *http.Request) {
	zones, err := h.ctrl.store.ZoneStatistics(req.Context())
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, zones)
}

// ListTickets handles GET /api/tickets
func (h *Handlers) ListTickets(w http.ResponseWriter, req *http.Request) {
	var status *types.TicketStatus
	if v := req.URL.Query().Get("status"); v != "" {
		s := types.TicketStatus(v)
		switch s {
		case types.TicketOpen, types.TicketInProgress, types.TicketResolved:
			status = &s
		default:
			h.formatter.WriteError(w, req, http.StatusBadRequest, "unknown ticket status: "+v)
			return
		}
	}

	list, err := h.ctrl.tickets.List(req.Context(), status)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, list)
}

// UpdateTicket handles PUT /api/tickets/{id}
func (h *Handlers) UpdateTicket(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	var body updateTicketRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		h.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch body.Status {
	case types.TicketOpen, types.TicketInProgress, types.TicketResolved:
	default:
		h.formatter.WriteError(w, req, http.StatusBadRequest, "unknown ticket status: "+string(body.Status))
		return
	}

	ticket, err := h.ctrl.tickets.UpdateStatus(req.Context(), id, body.Status)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.formatter.WriteResponse(w, req, http.StatusOK, ticket)
}

// resolveSensor looks up the sensor named in the request path, writing
// the error response itself on failure.
func (h *Handlers) resolveSensor(w http.ResponseWriter, req *http.Request) (types.Sensor, bool) {
	externalID := mux.Vars(req)["externalId"]
	sensor, err := h.ctrl.store.SensorByExternalID(req.Context(), externalID)
	if err != nil {
		h.writeError(w, req, err)
		return types.Sensor{}, false
	}
	return sensor, true
}

// writeError maps domain errors to HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrUnknownSensor), errors.Is(err, store.ErrUnknownTicket):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateID), errors.Is(err, tickets.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrInvalidReading):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.ctrl.logger.Errorw("request failed", "path", req.URL.Path, "error", err)
	}
	h.formatter.WriteError(w, req, status, err.Error())
}
