package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/runlet-core/internal/audit"
)

// handleListAudit returns the audit trail, filtered by the query parameters
// action, entity_id, user_id, limit, and offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit trail is not enabled")
		return
	}

	query := r.URL.Query()
	filter := audit.Filter{
		Action:   query.Get("action"),
		EntityID: query.Get("entity_id"),
		UserID:   query.Get("user_id"),
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// intParam parses an optional integer query parameter; empty means zero.
func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// recordAudit appends a best-effort audit entry for a mutating action.
// Failures are logged, never surfaced to the caller.
func (s *Server) recordAudit(r *http.Request, action, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}

	subject, _ := s.callerIdentity(r.Context())
	entry := &audit.Entry{
		Action:   action,
		EntityID: entityID,
		UserID:   subject,
		Source:   audit.SourceAPI,
		Details:  details,
	}
	if err := s.audit.Create(r.Context(), entry); err != nil {
		s.logger.Warn("failed to record audit entry",
			"action", action,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// commandString joins argv for audit details.
func commandString(command []string) string {
	return strings.Join(command, " ")
}
