package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanbook/pkg/ledger"
	"github.com/mcclellann/loanbook/pkg/report"
	"github.com/mcclellann/loanbook/pkg/store"
	"github.com/mcclellann/loanbook/pkg/verification"
	"go.uber.org/zap"
)

const ownerHeader = "X-Owner-ID"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, verification.ErrMissingPhoto):
		writeErrorJSON(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeErrorJSON(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyPaid), errors.Is(err, verification.ErrTokenUsed):
		writeErrorJSON(w, http.StatusConflict, err.Error())
	case errors.Is(err, verification.ErrTokenExpired):
		writeErrorJSON(w, http.StatusGone, err.Error())
	default:
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeErrorJSON(w, http.StatusInternalServerError, "internal error")
	}
}

// ownerID returns the account holder the request acts for. Authentication
// happens upstream; the header is trusted here.
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
		return "", false
	}
	return owner, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req ledger.CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	details, err := s.ledger.CreateLoan(r.Context(), owner, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, details)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loans, err := s.ledger.ListLoans(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	details, err := s.ledger.GetLoan(r.Context(), owner, loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	dropOrphan, _ := strconv.ParseBool(r.URL.Query().Get("drop_orphan_client"))

	clientDeleted, err := s.ledger.DeleteLoan(r.Context(), owner, loanID, dropOrphan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"client_deleted": clientDeleted})
}

func (s *Server) payInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	number, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil || number < 1 {
		writeErrorJSON(w, http.StatusBadRequest, "invalid installment number")
		return
	}

	inst, err := s.ledger.PayInstallment(r.Context(), owner, loanID, number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) listClientsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	clients, err := s.ledger.ListClients(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) getClientHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	clientID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	details, err := s.ledger.GetClient(r.Context(), owner, clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) deleteClientHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	clientID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteClient(r.Context(), owner, clientID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	dash, err := s.ledger.Dashboard(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) overdueReportHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	groups, err := s.ledger.OverdueReport(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) loansCSVHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loans, err := s.ledger.ListLoans(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="loans.csv"`)
	if err := report.WriteLoansCSV(w, loans); err != nil {
		s.logger.Error("failed to write loans csv", zap.Error(err))
	}
}

func (s *Server) overdueCSVHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	groups, err := s.ledger.OverdueReport(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="overdue.csv"`)
	if err := report.WriteOverdueCSV(w, groups); err != nil {
		s.logger.Error("failed to write overdue csv", zap.Error(err))
	}
}

func (s *Server) issueVerificationHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	issued, err := s.verification.Issue(r.Context(), owner, loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) checkVerificationHandler(w http.ResponseWriter, r *http.Request) {
	check, err := s.verification.Check(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) submitVerificationHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhotoURL string `json:"photo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.verification.Submit(r.Context(), mux.Vars(r)["token"], req.PhotoURL); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// corsMiddleware opens the public verification routes to the capture page.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
