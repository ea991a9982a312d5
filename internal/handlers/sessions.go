package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

type sessionView struct {
	*models.Session
	Live bool `json:"live"`
}

// ConnectSession records the desired connection and returns immediately.
func (s *Server) ConnectSession() http.HandlerFunc {
	type connectRequest struct {
		TenantID string `json:"tenantId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		sess, err := s.sessions.Connect(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(req.TenantID))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, sess)
	}
}

func (s *Server) DisconnectSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.sessions.Disconnect(r.Context(), id); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"sessionId": id, "status": string(models.SessionDisconnected)})
	}
}

// DeleteSession tombstones the session.
func (s *Server) DeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		tombstone, err := s.sessions.Tombstone(r.Context(), id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"sessionId": id, "tombstone": tombstone})
	}
}

func (s *Server) GetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sess, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, sessionView{Session: sess, Live: s.reconciler.IsLive(r.Context(), id)})
	}
}

// SessionQR returns the pending pairing code, raw and as a PNG data URL.
func (s *Server) SessionQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		code, ok := s.sessions.QRCode(id)
		if !ok {
			s.respondError(w, r, apperr.NotFound("http.SessionQR", "no QR code pending for session %s", id))
			return
		}
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("sessionId", id).Msg("Failed to render QR code")
			s.Respond(w, r, http.StatusInternalServerError, "Failed to render QR code")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{
			"sessionId": id,
			"code":      code,
			"image":     dataurl.New(png, "image/png").String(),
		})
	}
}

// SendMessage enqueues a text message. The sender name defaults to the caller.
func (s *Server) SendMessage() http.HandlerFunc {
	type sendRequest struct {
		To         string `json:"to"`
		Text       string `json:"text"`
		SenderName string `json:"senderName"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		if req.SenderName == "" {
			req.SenderName = r.Header.Get("X-User-Name")
		}
		job, err := s.sessions.SendMessage(r.Context(), mux.Vars(r)["id"], req.To, req.Text, req.SenderName)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, map[string]string{"jobId": job.ID})
	}
}
