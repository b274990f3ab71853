package httpapi

import (
	"net/http"
	"time"

	"github.com/IsaacDeMelo/botwpp/internal/tasks"
)

type sendResponse struct {
	To            string             `json:"to"`
	MessageID     string             `json:"messageId"`
	AwaitResponse *awaitResponseInfo `json:"awaitResponse,omitempty"`
}

type awaitResponseInfo struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req tasks.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := s.engine.Send(r.Context(), req)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := sendResponse{To: result.Sent.To, MessageID: result.Sent.MessageID}
	if result.Task != nil {
		info := &awaitResponseInfo{
			TaskID: result.Task.ID,
			Status: string(result.Task.Status),
		}
		if result.Task.ExpiresAt != nil {
			info.ExpiresAt = result.Task.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		resp.AwaitResponse = info
	}
	respondJSON(w, http.StatusOK, resp)
}
