package admin

import (
	"net/http"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/session"
)

// sessionView is the API form of a session. Tokens are credentials, so
// only a prefix is shown.
type sessionView struct {
	TokenPrefix    string     `json:"token_prefix"`
	Username       string     `json:"username"`
	VMAddress      string     `json:"vm_address,omitempty"`
	Connected      bool       `json:"connected"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastActivity   time.Time  `json:"last_activity"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

const tokenPrefixLen = 8

func toSessionView(s *session.Session) sessionView {
	prefix := s.Token
	if len(prefix) > tokenPrefixLen {
		prefix = prefix[:tokenPrefixLen]
	}
	return sessionView{
		TokenPrefix:    prefix,
		Username:       s.Username,
		VMAddress:      s.VMAddress,
		Connected:      s.IsConnected(),
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		LastActivity:   s.LastActivity,
		DisconnectedAt: s.DisconnectedAt,
	}
}

func (h *AdminAPIHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, toSessionView(s))
	}
	h.respondJSON(w, http.StatusOK, out)
}
