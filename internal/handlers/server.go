// Package handlers exposes the HTTP control plane.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
	"zapdesk/internal/payflow"
	"zapdesk/internal/protocol"
	"zapdesk/internal/queue"
	"zapdesk/internal/transfer"
)

// Sessions is the session control plane.
type Sessions interface {
	Connect(ctx context.Context, sessionID, tenantID string) (*models.Session, error)
	Disconnect(ctx context.Context, sessionID string) error
	Tombstone(ctx context.Context, sessionID string) (string, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	QRCode(sessionID string) (string, bool)
	SendMessage(ctx context.Context, sessionID, to, text, senderName string) (queue.Job, error)
}

// Reconciler answers liveness questions and accepts worker-observed events.
type Reconciler interface {
	IsLive(ctx context.Context, sessionID string) bool
	Report(ctx context.Context, ev protocol.Event) error
}

// PaymentFlow runs one step of the payment dialogue.
type PaymentFlow interface {
	Handle(ctx context.Context, req payflow.Request) (payflow.Response, error)
}

// Transfers is the ownership transfer workflow plus contact session closing.
type Transfers interface {
	CreateRequest(ctx context.Context, requesterID, contactID, toUserID string, message *string) (*models.TransferRequest, error)
	Approve(ctx context.Context, requestID, supervisorID string, notes *string) (*models.TransferRequest, error)
	Deny(ctx context.Context, requestID, supervisorID string, notes *string) (*models.TransferRequest, error)
	Cancel(ctx context.Context, requestID, userID string) (*models.TransferRequest, error)
	PendingForTenant(ctx context.Context, tenantID string) ([]models.TransferRequest, error)
	ContactStatus(ctx context.Context, contactID, userID string) (*transfer.ContactStatus, error)
	CloseSession(ctx context.Context, contactID, transcript string) (*models.ConversationSummary, error)
	ClaimContact(ctx context.Context, contactID, userID string) (*models.Contact, error)
}

// Queues inspects and repairs the job queues.
type Queues interface {
	Stats() []queue.QueueStats
	DeadLetters(limit int) []queue.Job
	Retry(ctx context.Context, jobID string) (queue.Job, error)
}

// Config wires a Server.
type Config struct {
	Sessions   Sessions
	Reconciler Reconciler
	Flow       PaymentFlow
	Transfers  Transfers
	Queues     Queues

	// APIToken, when set, is required as a bearer token on every route but
	// /health and /workers/events.
	APIToken string
	// WebhookSecret signs worker events. Empty disables the check.
	WebhookSecret string
}

// Server routes HTTP requests to the services.
type Server struct {
	sessions      Sessions
	reconciler    Reconciler
	flow          PaymentFlow
	transfers     Transfers
	queues        Queues
	apiToken      string
	webhookSecret []byte

	router *mux.Router
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil || cfg.Reconciler == nil || cfg.Flow == nil || cfg.Transfers == nil || cfg.Queues == nil {
		return nil, fmt.Errorf("http server: all services are required")
	}
	s := &Server{
		sessions:      cfg.Sessions,
		reconciler:    cfg.Reconciler,
		flow:          cfg.Flow,
		transfers:     cfg.Transfers,
		queues:        cfg.Queues,
		apiToken:      cfg.APIToken,
		webhookSecret: []byte(cfg.WebhookSecret),
		router:        mux.NewRouter(),
	}
	s.routes()
	return s, nil
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type envelope struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Respond writes data in the standard envelope. An error value is written
// as the error message.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body := envelope{Code: status, Success: status < http.StatusBadRequest}
	switch v := data.(type) {
	case error:
		body.Error = v.Error()
	case string:
		if body.Success {
			body.Data = map[string]string{"details": v}
		} else {
			body.Error = v
		}
	default:
		body.Data = v
	}

	raw, err := json.Marshal(body)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConfiguration:
		return http.StatusUnprocessableEntity
	case apperr.KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("statusCode", status).Msg("Request failed")
		if status == http.StatusInternalServerError {
			s.Respond(w, r, status, http.StatusText(status))
			return
		}
	} else {
		hlog.FromRequest(r).Debug().Err(err).Int("statusCode", status).Msg("Request rejected")
	}
	s.Respond(w, r, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return apperr.Validation("http.decode", "invalid JSON body: %v", err)
	}
	return nil
}

// callerID is the acting user, taken from X-User-Id.
func callerID(r *http.Request, op string) (string, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return "", apperr.Validation(op, "X-User-Id header is required")
	}
	return id, nil
}
