package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jkaberg/evse-sim/internal/fleet"
)

type errorResponse struct {
	Error string `json:"error"`
}

type webSocketRequest struct {
	BackendURL        *string `json:"backendUrl" validate:"omitempty,max=512"`
	ChargeBoxID       *string `json:"chargeBoxId" validate:"omitempty,max=128"`
	AuthorizationKey  *string `json:"authorizationKey" validate:"omitempty,max=256"`
	PingInterval      *int    `json:"pingInterval"`
	ReconnectInterval *int    `json:"reconnectInterval"`
	StaleTimeout      *int    `json:"staleTimeout" validate:"omitempty,gte=0"`
}

type webSocketResponse struct {
	BackendURL        string `json:"backendUrl"`
	ChargeBoxID       string `json:"chargeBoxId"`
	AuthorizationKey  string `json:"authorizationKey"`
	PingInterval      int    `json:"pingInterval"`
	ReconnectInterval int    `json:"reconnectInterval"`
	StaleTimeout      int    `json:"staleTimeout"`
}

type caCertBody struct {
	CACert *string `json:"caCert" validate:"required"`
}

type evseRequest struct {
	EvPlugged *bool `json:"evPlugged"`
	EvReady   *bool `json:"evReady"`
	EvseReady *bool `json:"evseReady"`
}

type evseResponse struct {
	EvPlugged         bool   `json:"evPlugged"`
	EvReady           bool   `json:"evReady"`
	EvseReady         bool   `json:"evseReady"`
	ChargePointStatus string `json:"chargePointStatus"`
}

type transactionRequest struct {
	IDTag *string `json:"idTag" validate:"omitempty,min=1,max=20"`
}

type transactionResponse struct {
	IDTag               string `json:"idTag"`
	TransactionID       *int   `json:"transactionId"`
	AuthorizationStatus string `json:"authorizationStatus"`
}

type smartChargingRequest struct {
	Limit *float64 `json:"limit" validate:"required"`
}

type smartChargingResponse struct {
	Limit      float64 `json:"limit"`
	MaxPower   float64 `json:"maxPower"`
	MaxCurrent float64 `json:"maxCurrent"`
}

func (a *API) getWebSocket(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, a.webSocketState())
}

func (a *API) postWebSocket(w http.ResponseWriter, r *http.Request) {
	var req webSocketRequest
	if !a.decode(w, r, &req) {
		return
	}

	if req.BackendURL != nil || req.ChargeBoxID != nil || req.AuthorizationKey != nil {
		cur := a.fleet.GetCredentials()
		url, id, key := cur.BackendURL, cur.ChargeBoxID, cur.AuthKey
		if req.BackendURL != nil {
			url = *req.BackendURL
		}
		if req.ChargeBoxID != nil {
			id = *req.ChargeBoxID
		}
		if req.AuthorizationKey != nil {
			key = *req.AuthorizationKey
		}
		if _, err := a.fleet.SetCredentials(url, id, key); err != nil {
			a.logger.WithError(err).Warn("Credentials applied but not persisted")
		}
	}

	// ping and reconnect ignore non-positive values; a stale timeout of 0
	// turns staleness detection off
	intervals := []struct {
		v         *int
		allowZero bool
		set       func(time.Duration) error
	}{
		{req.PingInterval, false, a.fleet.SetPingInterval},
		{req.ReconnectInterval, false, a.fleet.SetReconnectInterval},
		{req.StaleTimeout, true, a.fleet.SetStaleTimeout},
	}
	for _, iv := range intervals {
		if iv.v == nil || *iv.v < 0 || (*iv.v == 0 && !iv.allowZero) {
			continue
		}
		if err := iv.set(time.Duration(*iv.v) * time.Second); err != nil {
			a.logger.WithError(err).Warn("Interval applied but not persisted")
		}
	}

	sendResponse(w, a.webSocketState())
}

func (a *API) webSocketState() webSocketResponse {
	creds := a.fleet.GetCredentials()
	timing := a.fleet.Timing()
	return webSocketResponse{
		BackendURL:        creds.BackendURL,
		ChargeBoxID:       creds.ChargeBoxID,
		AuthorizationKey:  creds.AuthKey,
		PingInterval:      int(timing.PingInterval / time.Second),
		ReconnectInterval: int(timing.ReconnectInterval / time.Second),
		StaleTimeout:      int(timing.StaleTimeout / time.Second),
	}
}

func (a *API) getCACert(w http.ResponseWriter, r *http.Request) {
	pem := a.fleet.GetCredentials().CACert
	sendResponse(w, caCertBody{CACert: &pem})
}

func (a *API) postCACert(w http.ResponseWriter, r *http.Request) {
	var req caCertBody
	if !a.decode(w, r, &req) {
		return
	}
	if _, err := a.fleet.SetCACert(*req.CACert); err != nil {
		a.logger.WithError(err).Warn("CA certificate applied but not persisted")
	}
	a.getCACert(w, r)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, a.fleet.LinkStatus())
}

func (a *API) getConnectors(w http.ResponseWriter, r *http.Request) {
	ids := a.fleet.ConnectorIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	sendResponse(w, out)
}

func (a *API) getEvse(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	a.sendEvse(w, id)
}

func (a *API) postEvse(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	if _, err := a.fleet.ConnectorSnapshot(id); err != nil {
		sendFleetError(w, err)
		return
	}
	var req evseRequest
	if !a.decode(w, r, &req) {
		return
	}

	var errs []error
	if req.EvPlugged != nil {
		errs = append(errs, a.fleet.SetPlugged(id, *req.EvPlugged))
	}
	if req.EvReady != nil {
		errs = append(errs, a.fleet.SetReady(id, *req.EvReady))
	}
	if req.EvseReady != nil {
		errs = append(errs, a.fleet.SetEvseReady(id, *req.EvseReady))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WithError(err).WithField("connector_id", id).Warn("Connector flags applied but not persisted")
	}
	a.sendEvse(w, id)
}

func (a *API) sendEvse(w http.ResponseWriter, id int) {
	snap, err := a.fleet.ConnectorSnapshot(id)
	if err != nil {
		sendFleetError(w, err)
		return
	}
	sendResponse(w, evseResponse{
		EvPlugged:         snap.Plugged,
		EvReady:           snap.EvReady,
		EvseReady:         snap.EvseReady,
		ChargePointStatus: snap.Status,
	})
}

func (a *API) getMeter(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	snap, err := a.fleet.MeterSnapshot(id)
	if err != nil {
		sendFleetError(w, err)
		return
	}
	sendResponse(w, snap)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	a.sendTransaction(w, id)
}

func (a *API) postTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	var req transactionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.IDTag != nil {
		if err := a.fleet.PresentToken(id, *req.IDTag); err != nil {
			sendFleetError(w, err)
			return
		}
	}
	a.sendTransaction(w, id)
}

func (a *API) sendTransaction(w http.ResponseWriter, id int) {
	snap, err := a.fleet.ConnectorSnapshot(id)
	if err != nil {
		sendFleetError(w, err)
		return
	}
	sendResponse(w, transactionResponse{
		IDTag:         snap.SessionTag,
		TransactionID: snap.TransactionID,
	})
}

func (a *API) getSmartCharging(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	a.sendSmartCharging(w, id)
}

func (a *API) postSmartCharging(w http.ResponseWriter, r *http.Request) {
	id, ok := a.connectorID(w, r)
	if !ok {
		return
	}
	var req smartChargingRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.fleet.SetSmartChargingLimit(id, *req.Limit); err != nil {
		sendFleetError(w, err)
		return
	}
	a.sendSmartCharging(w, id)
}

func (a *API) sendSmartCharging(w http.ResponseWriter, id int) {
	snap, err := a.fleet.SmartChargingSnapshot(id)
	if err != nil {
		sendFleetError(w, err)
		return
	}
	sendResponse(w, smartChargingResponse{
		Limit:      snap.LimitW,
		MaxPower:   snap.MaxPowerW,
		MaxCurrent: snap.MaxCurrentA,
	})
}

// connectorID parses {id}; anything that is not a known connector is a 404.
func (a *API) connectorID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, "Connector not found", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

// decode reads an optional JSON body. An empty body is accepted and leaves
// dst untouched, a malformed or invalid one is answered with 400.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		sendError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			a.logger.WithError(err).Debug("Malformed request body")
			sendError(w, "Malformed JSON body", http.StatusBadRequest)
			return false
		}
	}
	if err := a.validate.Struct(dst); err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func sendFleetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnknownConnector):
		sendError(w, err.Error(), http.StatusNotFound)
	default:
		sendError(w, err.Error(), http.StatusBadRequest)
	}
}

func sendResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func sendError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}
