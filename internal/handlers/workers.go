package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"zapdesk/internal/apperr"
	"zapdesk/internal/payflow"
	"zapdesk/internal/protocol"
)

// PaymentFlow runs one dialogue step for callers that keep their own context.
func (s *Server) PaymentFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payflow.Request
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		resp, err := s.flow.Handle(r.Context(), req)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// WorkerEvent is what an out-of-process protocol worker posts for one session.
type WorkerEvent struct {
	SessionID string                   `json:"sessionId"`
	Kind      protocol.EventKind       `json:"kind"`
	QR        string                   `json:"qr,omitempty"`
	Phone     string                   `json:"phone,omitempty"`
	LoggedOut bool                     `json:"loggedOut,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Message   *protocol.InboundMessage `json:"message,omitempty"`
}

func (e WorkerEvent) event() (protocol.Event, error) {
	const op = "http.WorkerEvent"
	if e.SessionID == "" {
		return protocol.Event{}, apperr.Validation(op, "sessionId is required")
	}
	ev := protocol.Event{SessionID: e.SessionID, Kind: e.Kind, QR: e.QR, Phone: e.Phone, LoggedOut: e.LoggedOut}
	switch e.Kind {
	case protocol.EventQR:
		if e.QR == "" {
			return protocol.Event{}, apperr.Validation(op, "qr event without code")
		}
	case protocol.EventConnected:
	case protocol.EventDisconnected:
		if e.Error != "" {
			ev.Err = errors.New(e.Error)
		}
	case protocol.EventMessage:
		if e.Message == nil {
			return protocol.Event{}, apperr.Validation(op, "message event without message")
		}
		msg := *e.Message
		msg.SessionID = e.SessionID
		ev.Message = &msg
	default:
		return protocol.Event{}, apperr.Validation(op, "unknown event kind %q", e.Kind)
	}
	return ev, nil
}

// SignWorkerEvent returns the hex HMAC-SHA256 of body under secret.
func SignWorkerEvent(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) validSignature(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 {
		return true
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// WorkerEvent accepts a signed event from a protocol worker and hands it to
// the reconciler.
func (s *Server) WorkerEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, "Failed to read request body")
			return
		}
		if !s.validSignature(body, r.Header.Get("X-Worker-Signature")) {
			hlog.FromRequest(r).Warn().Msg("Invalid worker event signature")
			s.Respond(w, r, http.StatusUnauthorized, "Invalid signature")
			return
		}

		var payload WorkerEvent
		dec := json.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&payload); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		ev, err := payload.event()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.reconciler.Report(r.Context(), ev); err != nil {
			s.respondError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().
			Str("sessionId", ev.SessionID).
			Str("eventType", string(ev.Kind)).
			Msg("Worker event accepted")
		s.Respond(w, r, http.StatusAccepted, map[string]string{"sessionId": ev.SessionID, "kind": string(ev.Kind)})
	}
}
