// Package api serves the JSON control surface of the cadence server.
//
//	POST /v1/play                 start a playback from a locator or catalog sound
//	POST /v1/stop/{type}          stop every playback of a type
//	POST /v1/stop-all             stop every playback
//	PUT  /v1/volume               set the player volume
//	PUT  /v1/types/{type}/enabled mute or unmute the playbacks of a type
//	PUT  /v1/interrupt            pause or resume every playback
//	GET  /v1/status               engine snapshot
//	GET  /v1/events               WebSocket stream of playback completions ([Hub])
//
// Errors are returned as {"error": "..."} with a status code derived from
// the sentinel the engine returned.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/cadence/internal/engine"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio/player"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Controller is the engine surface the API drives. [*engine.Engine]
// implements it.
type Controller interface {
	Play(ctx context.Context, req player.Request) (bool, error)
	PlaySound(ctx context.Context, typ string, enabled bool, userData any) (bool, error)
	Stop(ctx context.Context, typ string) int
	StopAll(ctx context.Context) error
	SetVolume(v float32)
	SetEnabled(typ string, on bool) int
	SetInterrupted(on bool)
	Status() engine.Status
}

var _ Controller = (*engine.Engine)(nil)

// PlayRequest is the body of POST /v1/play. Exactly one of Source and Sound
// must be set.
type PlayRequest struct {
	Source    string `json:"source,omitempty"`
	Sound     string `json:"sound,omitempty"`
	Type      string `json:"type,omitempty"`
	LoopCount int    `json:"loop_count,omitempty"`
	// Enabled defaults to true.
	Enabled  *bool `json:"enabled,omitempty"`
	UserData any   `json:"user_data,omitempty"`
}

// PlayResponse is returned by POST /v1/play.
type PlayResponse struct {
	Accepted bool `json:"accepted"`
}

// CountResponse reports how many playbacks an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

type volumeRequest struct {
	Volume *float32 `json:"volume"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type interruptRequest struct {
	Interrupted *bool `json:"interrupted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the control API.
type Handler struct {
	ctl Controller
}

// New creates a [Handler] driving ctl.
func New(ctl Controller) *Handler {
	return &Handler{ctl: ctl}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/play", h.play)
	mux.HandleFunc("POST /v1/stop/{type}", h.stop)
	mux.HandleFunc("POST /v1/stop-all", h.stopAll)
	mux.HandleFunc("PUT /v1/volume", h.volume)
	mux.HandleFunc("PUT /v1/types/{type}/enabled", h.enabled)
	mux.HandleFunc("PUT /v1/interrupt", h.interrupt)
	mux.HandleFunc("GET /v1/status", h.status)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (h *Handler) play(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if !decode(w, r, &req) {
		return
	}
	if (req.Source == "") == (req.Sound == "") {
		writeError(w, http.StatusBadRequest, errors.New("exactly one of source and sound is required"))
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	var (
		ok  bool
		err error
	)
	if req.Sound != "" {
		ok, err = h.ctl.PlaySound(r.Context(), req.Sound, enabled, req.UserData)
	} else {
		typ := req.Type
		if typ == "" {
			typ = req.Source
		}
		ok, err = h.ctl.Play(r.Context(), player.Request{
			Source:    req.Source,
			LoopCount: req.LoopCount,
			Type:      typ,
			Enabled:   enabled,
			UserData:  req.UserData,
		})
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, PlayResponse{Accepted: false})
		return
	}
	writeJSON(w, http.StatusAccepted, PlayResponse{Accepted: true})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	n := h.ctl.Stop(r.Context(), r.PathValue("type"))
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.StopAll(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) volume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Volume == nil || *req.Volume < 0 || *req.Volume > 1 {
		writeError(w, http.StatusBadRequest, errors.New("volume must be within [0, 1]"))
		return
	}
	h.ctl.SetVolume(*req.Volume)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	n := h.ctl.SetEnabled(r.PathValue("type"), *req.Enabled)
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) interrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Interrupted == nil {
		writeError(w, http.StatusBadRequest, errors.New("interrupted is required"))
		return
	}
	h.ctl.SetInterrupted(*req.Interrupted)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// statusFor maps engine errors to HTTP status codes. Anything unrecognised is
// a source the engine could not play.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownSound):
		return http.StatusNotFound
	case errors.Is(err, player.ErrEmptySource):
		return http.StatusBadRequest
	case errors.Is(err, player.ErrClosed),
		errors.Is(err, player.ErrNoMixer),
		errors.Is(err, player.ErrMixerChanged),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Warn("api: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
