package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/huddle/internal/message"
	"github.com/petervdpas/huddle/internal/store"
)

type createMessageRequest struct {
	Type int    `json:"type"`
	Data string `json:"data"`
	Keys []struct {
		UserID string `json:"userId"`
		Data   string `json:"data"`
	} `json:"keys"`
}

type createMessageResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
}

// handleCreateMessage is the one REST route: clients post ciphertext plus a
// wrapped key per recipient, and delivery to live connections rides the same
// fanout as everything else.
func (g *Gateway) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.SessionByToken(r.Header.Get("Authorization"), r.UserAgent(), remoteIP(r))
	if err != nil {
		if !errors.Is(err, store.ErrNoSession) {
			log.Warnw("session lookup failed", "err", err)
		}
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	keys := make([]store.MessageKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, store.MessageKey{UserID: k.UserID, Data: k.Data})
	}

	msg, err := g.messages.Create(r.PathValue("channel"), sess.UserID, store.MessageType(req.Type), req.Data, keys)
	switch {
	case errors.Is(err, message.ErrNotMember):
		http.Error(w, "not a channel member", http.StatusForbidden)
		return
	case errors.Is(err, store.ErrKeyCoverage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Errorw("message create failed", "channel", r.PathValue("channel"), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createMessageResponse{ID: msg.ID, Created: msg.Created})
}
