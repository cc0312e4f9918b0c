package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	maxBodyBytes = 1 << 20
)

type errorBody struct {
	Code     errors.ErrorCode       `json:"code"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// metadata keys that may leave the service
var publicMetadata = map[string]bool{
	"daysRemaining": true,
	"from":          true,
	"requested":     true,
	"actorRole":     true,
	"field":         true,
	"fields":        true,
	"resource":      true,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	std := errors.AsStandard(err)
	status := errors.HTTPStatus(std.Code)

	fields := map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   std.Code,
		"error":  std.Error(),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields)
	} else {
		s.logger.Debug("request rejected", fields)
	}

	body := errorBody{Code: std.Code, Message: std.PublicMessage()}
	for k, v := range std.Metadata {
		if publicMetadata[k] {
			if body.Metadata == nil {
				body.Metadata = make(map[string]interface{})
			}
			body.Metadata[k] = v
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// actorFrom reads the caller identity set by the authenticating proxy. The
// system role is internal and never accepted from a request.
func actorFrom(r *http.Request) (models.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
	if id == "" {
		return models.Actor{}, errors.NewForbiddenError("caller identity is required")
	}
	switch role {
	case models.RoleOwner, models.RoleStaff:
		return models.Actor{ID: id, Role: role}, nil
	default:
		return models.Actor{}, errors.NewForbiddenError("unsupported actor role")
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.NewValidationError("request body is required")
		}
		return errors.NewValidationErrorf("malformed request body: %v", err)
	}
	return nil
}
