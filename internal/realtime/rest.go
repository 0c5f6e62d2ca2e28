package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"axiom/internal/failure"
	"axiom/internal/protocol"
	"axiom/internal/registry"
	"axiom/internal/spawn"
)

type sendRequest struct {
	Text string `json:"text"`
}

type spawnResponse struct {
	TaskID string `json:"taskId"`
}

type taskResponse struct {
	Task     *spawn.TaskInfo         `json:"task,omitempty"`
	Sessions []registry.StatusRecord `json:"sessions"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// statusFor maps a failure code onto an HTTP status.
func statusFor(code failure.Code) int {
	switch code {
	case failure.CodeNotFound:
		return http.StatusNotFound
	case failure.CodeInvalidSpec:
		return http.StatusBadRequest
	case failure.CodeCapacity:
		return http.StatusTooManyRequests
	case failure.CodeState:
		return http.StatusConflict
	case failure.CodeLaunch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	p := protocol.ErrorFromFailure(err)
	writeJSON(w, statusFor(failure.Code(p.Code)), errorResponse{Error: p.Message, Code: p.Code, Details: p.Details})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: protocol.ErrInvalidMessage})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawn.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	id, err := s.engine.Spawn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spawnResponse{TaskID: id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.Status("")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetTask returns a task and its sessions, or a single session's
// status when id names a session.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, err := s.engine.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := taskResponse{Sessions: records}
	if info, err := s.engine.Task(id); err == nil {
		resp.Task = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "from must be a non-negative integer")
			return
		}
		from = n
	}

	data, next, err := s.engine.Output(id, from)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TaskOutputPayload{ID: id, Data: string(data), Next: next})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if err := s.engine.Send(id, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Interrupt(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Kill(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	commands, err := s.engine.Audit(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Profiles())
}
