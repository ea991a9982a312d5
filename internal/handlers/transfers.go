package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"zapdesk/internal/models"
)

func (s *Server) CreateTransfer() http.HandlerFunc {
	type createRequest struct {
		ContactID string  `json:"contactId"`
		ToUserID  string  `json:"toUserId"`
		Message   *string `json:"message"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		requester, err := callerID(r, "http.CreateTransfer")
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		var req createRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		tr, err := s.transfers.CreateRequest(r.Context(), requester, req.ContactID, req.ToUserID, req.Message)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, tr)
	}
}

type resolveFunc func(r *http.Request, requestID, userID string, notes *string) (*models.TransferRequest, error)

func (s *Server) resolveTransfer(op string, fn resolveFunc) http.HandlerFunc {
	type resolveRequest struct {
		Notes *string `json:"notes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r, op)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		var req resolveRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		tr, err := fn(r, mux.Vars(r)["id"], userID, req.Notes)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, tr)
	}
}

func (s *Server) ApproveTransfer() http.HandlerFunc {
	return s.resolveTransfer("http.ApproveTransfer", func(r *http.Request, id, userID string, notes *string) (*models.TransferRequest, error) {
		return s.transfers.Approve(r.Context(), id, userID, notes)
	})
}

func (s *Server) DenyTransfer() http.HandlerFunc {
	return s.resolveTransfer("http.DenyTransfer", func(r *http.Request, id, userID string, notes *string) (*models.TransferRequest, error) {
		return s.transfers.Deny(r.Context(), id, userID, notes)
	})
}

func (s *Server) CancelTransfer() http.HandlerFunc {
	return s.resolveTransfer("http.CancelTransfer", func(r *http.Request, id, userID string, _ *string) (*models.TransferRequest, error) {
		return s.transfers.Cancel(r.Context(), id, userID)
	})
}

func (s *Server) PendingTransfers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.transfers.PendingForTenant(r.Context(), mux.Vars(r)["tenantId"])
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if list == nil {
			list = []models.TransferRequest{}
		}
		s.Respond(w, r, http.StatusOK, list)
	}
}

// TransferStatus reports the contact's ownership as seen by the caller.
func (s *Server) TransferStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r, "http.TransferStatus")
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		st, err := s.transfers.ContactStatus(r.Context(), mux.Vars(r)["id"], userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, st)
	}
}

// ClaimContact makes the caller the owner of an unowned contact.
func (s *Server) ClaimContact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r, "http.ClaimContact")
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		contact, err := s.transfers.ClaimContact(r.Context(), mux.Vars(r)["id"], userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, contact)
	}
}

// CloseContactSession ends the contact's conversation; the summary is
// included when one was produced.
func (s *Server) CloseContactSession() http.HandlerFunc {
	type closeRequest struct {
		Transcript string `json:"transcript"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		id := mux.Vars(r)["id"]
		sum, err := s.transfers.CloseSession(r.Context(), id, req.Transcript)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"contactId": id, "summary": sum})
	}
}
