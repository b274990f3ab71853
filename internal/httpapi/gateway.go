package httpapi

import (
	"net/http"
)

func (s *Server) handleGatewayStart(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Start(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "GATEWAY_START_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "starting"})
}

func (s *Server) handleGatewayStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.gateway.Stop(); err != nil {
		respondError(w, http.StatusBadGateway, "GATEWAY_STOP_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleGatewayRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Restart(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "GATEWAY_RESTART_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "restarting"})
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": string(s.gateway.Status())})
}

func (s *Server) handleGatewayQR(w http.ResponseWriter, _ *http.Request) {
	qr := s.gateway.QR()
	if qr == "" {
		respondError(w, http.StatusNotFound, "QR_NOT_AVAILABLE", "no pairing qr available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"qr": qr})
}
