package handlers

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

func (s *Server) routes() {
	base := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.RequestIDHandler("requestId", "X-Request-Id"),
		hlog.RemoteAddrHandler("remoteAddr"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
		s.recoverer,
	)
	authed := base.Append(s.authenticate)

	r := s.router
	r.Handle("/health", base.ThenFunc(s.Health())).Methods(http.MethodGet)
	r.Handle("/workers/events", base.ThenFunc(s.WorkerEvent())).Methods(http.MethodPost)

	r.Handle("/sessions/{id}", authed.ThenFunc(s.GetSession())).Methods(http.MethodGet)
	r.Handle("/sessions/{id}", authed.ThenFunc(s.DeleteSession())).Methods(http.MethodDelete)
	r.Handle("/sessions/{id}/connect", authed.ThenFunc(s.ConnectSession())).Methods(http.MethodPost)
	r.Handle("/sessions/{id}/disconnect", authed.ThenFunc(s.DisconnectSession())).Methods(http.MethodPost)
	r.Handle("/sessions/{id}/qr", authed.ThenFunc(s.SessionQR())).Methods(http.MethodGet)
	r.Handle("/sessions/{id}/messages", authed.ThenFunc(s.SendMessage())).Methods(http.MethodPost)

	r.Handle("/payment-flow", authed.ThenFunc(s.PaymentFlow())).Methods(http.MethodPost)

	r.Handle("/transfers", authed.ThenFunc(s.CreateTransfer())).Methods(http.MethodPost)
	r.Handle("/transfers/{id}/approve", authed.ThenFunc(s.ApproveTransfer())).Methods(http.MethodPost)
	r.Handle("/transfers/{id}/deny", authed.ThenFunc(s.DenyTransfer())).Methods(http.MethodPost)
	r.Handle("/transfers/{id}/cancel", authed.ThenFunc(s.CancelTransfer())).Methods(http.MethodPost)
	r.Handle("/tenants/{tenantId}/transfers/pending", authed.ThenFunc(s.PendingTransfers())).Methods(http.MethodGet)
	r.Handle("/contacts/{id}/transfer-status", authed.ThenFunc(s.TransferStatus())).Methods(http.MethodGet)
	r.Handle("/contacts/{id}/claim", authed.ThenFunc(s.ClaimContact())).Methods(http.MethodPost)
	r.Handle("/contacts/{id}/close", authed.ThenFunc(s.CloseContactSession())).Methods(http.MethodPost)

	r.Handle("/queue/status", authed.ThenFunc(s.QueueStatus())).Methods(http.MethodGet)
	r.Handle("/queue/dead-letters", authed.ThenFunc(s.DeadLetters())).Methods(http.MethodGet)
	r.Handle("/queue/dead-letters/{id}/retry", authed.ThenFunc(s.RetryDeadLetter())).Methods(http.MethodPost)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic in HTTP handler")
				s.Respond(w, r, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			s.Respond(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
