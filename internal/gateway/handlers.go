package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shoplane/livechat/internal/domain"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler populates all fields.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Clients     int    `json:"clients,omitempty"`
	QueueLength int    `json:"queueLength,omitempty"`
}

// handleHealth returns the server health status. Only status is exposed
// publicly; detailed info is available via the authenticated RPC health
// method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// RespondDomainError maps a domain error onto the protocol error taxonomy
// and reports it back to the originating connection. Nothing is ever
// swallowed silently.
func (rc *RequestContext) RespondDomainError(err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rc.RespondError("not_found", err.Error())
	case errors.Is(err, domain.ErrCannotProceed):
		rc.RespondError("cannot_proceed", err.Error())
	case errors.Is(err, domain.ErrInvalid):
		rc.RespondError("invalid_params", err.Error())
	default:
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("request failed")
		rc.RespondError("internal", "internal error")
	}
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
