package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/metrics"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when the TURN entries carry ephemeral credentials.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}

	if s.opts.TURN != nil {
		creds, err := s.opts.TURN.Issue("")
		if err != nil {
			s.log.Error("issue turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		s.opts.Metrics.Inc(metrics.TURNRESTCredential)
		resp.ICEServers = withTURNCredentials(servers, creds.Username, creds.Credential)
		resp.ExpiresAt = &creds.ExpiresAt
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

// withTURNCredentials returns a copy of servers where every entry with a
// turn: or turns: URL carries username and credential.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
