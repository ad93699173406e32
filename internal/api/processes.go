package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/runlet-core/internal/audit"
	"github.com/nerrad567/runlet-core/internal/procmgr"
	"github.com/nerrad567/runlet-core/internal/supervisor"
)

// launchRequest is the request body for POST /processes.
type launchRequest struct {
	Name    string   `json:"name,omitempty"`
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`

	// KillGraceSeconds overrides the configured default when non-nil.
	// Zero means SIGKILL immediately on destroy.
	KillGraceSeconds *int `json:"kill_grace_seconds,omitempty"`
}

// handleLaunchProcess starts a new supervised process.
func (s *Server) handleLaunchProcess(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	spec := supervisor.Spec{
		Name:    req.Name,
		Command: req.Command,
		Env:     req.Env,
		Dir:     req.Dir,
	}
	if req.KillGraceSeconds != nil {
		if *req.KillGraceSeconds < 0 {
			writeBadRequest(w, "kill_grace_seconds must not be negative")
			return
		}
		grace := time.Duration(*req.KillGraceSeconds) * time.Second
		spec.KillGrace = &grace
	}

	snap, err := s.sup.Launch(r.Context(), spec)
	if err != nil {
		s.writeLaunchError(w, err)
		return
	}

	s.recordAudit(r, audit.ActionLaunch, snap.ID, map[string]any{
		"name":    snap.Name,
		"command": commandString(snap.Command),
	})

	writeJSON(w, http.StatusCreated, snap)
}

// writeLaunchError maps launch failures to HTTP status codes.
func (s *Server) writeLaunchError(w http.ResponseWriter, err error) {
	var launchErr *procmgr.LaunchError

	switch {
	case errors.Is(err, procmgr.ErrEmptyCommand):
		writeBadRequest(w, "command must not be empty")
	case errors.As(err, &launchErr):
		// The executable could not be spawned: missing, not executable,
		// or a bad working directory.
		writeError(w, http.StatusUnprocessableEntity, ErrCodeLaunchFailed, launchErr.Error())
	case errors.Is(err, supervisor.ErrTooManyProcesses):
		writeConflict(w, "process limit reached")
	case errors.Is(err, supervisor.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "supervisor is shutting down")
	default:
		s.logger.Error("process launch failed", "error", err)
		writeInternalError(w, "failed to launch process")
	}
}

// handleListProcesses returns all processes the supervisor is tracking,
// newest first.
func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"processes": s.sup.List(),
	})
}

// defaultHistoryLimit bounds GET /processes/history when no limit is given.
const defaultHistoryLimit = 100

// handleListHistory returns journal rows for past runs, newest first.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := s.hist.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("history list failed", "error", err)
		writeInternalError(w, "failed to list run history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
	})
}

// handleGetProcess returns one process. Live processes come from the
// supervisor; runs it no longer tracks fall back to the journal.
func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.sup.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, supervisor.ErrProcessNotFound) {
		s.logger.Error("process lookup failed", "id", id, "error", err)
		writeInternalError(w, "failed to look up process")
		return
	}

	run, err := s.hist.GetByID(r.Context(), id)
	if err != nil {
		writeNotFound(w, "process not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleDestroyProcess requests termination of a process. The call is
// idempotent: destroying a process that is already terminating or
// terminated is accepted.
func (s *Server) handleDestroyProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.sup.Destroy(id); err != nil {
		if errors.Is(err, supervisor.ErrProcessNotFound) {
			writeNotFound(w, "process not found")
			return
		}
		s.logger.Error("process destroy failed", "id", id, "error", err)
		writeInternalError(w, "failed to destroy process")
		return
	}

	s.recordAudit(r, audit.ActionDestroy, id, nil)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": "terminating",
	})
}

// handleProcessOutput returns the retained output window for a process.
// Chunk data is base64-encoded in the JSON response.
func (s *Server) handleProcessOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	chunks, err := s.sup.Output(id)
	if err != nil {
		if errors.Is(err, supervisor.ErrProcessNotFound) {
			writeNotFound(w, "process not found")
			return
		}
		s.logger.Error("process output read failed", "id", id, "error", err)
		writeInternalError(w, "failed to read process output")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"chunks": chunks,
	})
}

// stdinResponse is the response body for POST /processes/{id}/stdin.
type stdinResponse struct {
	ID      string `json:"id"`
	Written int    `json:"written"`
	Closed  bool   `json:"closed,omitempty"`
}

// handleProcessStdin writes the raw request body to a process's stdin.
// A close=true query parameter closes stdin after the write, signalling
// EOF to the child. An empty body with close=true closes without writing.
func (s *Server) handleProcessStdin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	closeAfter := false
	if raw := r.URL.Query().Get("close"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "close must be a boolean")
			return
		}
		closeAfter = parsed
	}

	written := 0
	if len(data) > 0 {
		written, err = s.sup.WriteStdin(id, data)
		if err != nil {
			s.writeStdinError(w, id, err)
			return
		}
	}

	if closeAfter {
		if err := s.sup.CloseStdin(id); err != nil {
			s.writeStdinError(w, id, err)
			return
		}
		s.recordAudit(r, audit.ActionStdinClose, id, nil)
	}
	if written > 0 {
		s.recordAudit(r, audit.ActionStdinWrite, id, map[string]any{"bytes": written})
	}

	writeJSON(w, http.StatusOK, stdinResponse{
		ID:      id,
		Written: written,
		Closed:  closeAfter,
	})
}

// writeStdinError maps stdin write failures to HTTP status codes.
func (s *Server) writeStdinError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, supervisor.ErrProcessNotFound):
		writeNotFound(w, "process not found")
	case errors.Is(err, supervisor.ErrProcessNotRunning),
		errors.Is(err, procmgr.ErrTerminated),
		errors.Is(err, procmgr.ErrNotStarted):
		writeConflict(w, "process is not accepting stdin")
	default:
		s.logger.Error("stdin write failed", "id", id, "error", err)
		writeInternalError(w, "failed to write to stdin")
	}
}
