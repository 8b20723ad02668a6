package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocx/ledger/internal/ledger"
	"github.com/ocx/ledger/internal/ledgercore"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a *ledger.Error onto an HTTP status following spec.md §7's
// taxonomy; anything else is an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch lerr.Code {
	case ledger.CodeLedgerNotFound, ledger.CodeEntryNotFound:
		status = http.StatusNotFound
	case ledger.CodeValidationError, ledger.CodeProofInvalid:
		status = http.StatusBadRequest
	case ledger.CodeArchived, ledger.CodeWriteBlocked:
		status = http.StatusConflict
	case ledger.CodeSequenceViolation, ledger.CodeChainIntegrityViolation, ledger.CodeDuplicatePosition, ledger.CodeTreeStateCorrupt:
		status = http.StatusConflict
	case ledger.CodeIdempotencyConflict:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"code":    string(lerr.Code),
		"error":   lerr.Message,
		"field":   lerr.Field,
	})
}

type createLedgerRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

func (s *Server) handleCreateLedger(w http.ResponseWriter, r *http.Request) {
	var req createLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	meta, err := s.svc.CreateLedger(r.Context(), req.Name, req.Description, req.Schema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	ledgerID := mux.Vars(r)["ledgerID"]
	meta, err := s.svc.GetLedger(r.Context(), ledgerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCurrentRoot(w http.ResponseWriter, r *http.Request) {
	ledgerID := mux.Vars(r)["ledgerID"]
	root, err := s.svc.CurrentRoot(r.Context(), ledgerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]ledgercore.Hash{"root_hash": root})
}

func (s *Server) handleListLedgers(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	metas, err := s.svc.ListLedgers(r.Context(), offset, limit, includeArchived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	ledgerID := mux.Vars(r)["ledgerID"]
	if err := s.svc.Archive(r.Context(), ledgerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

type appendRequest struct {
	Data           interface{}            `json:"data"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	ledgerID := mux.Vars(r)["ledgerID"]
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	result, err := s.svc.Append(r.Context(), ledgerID, req.Data, ledger.AppendOptions{
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.AppendsTotal.WithLabelValues(ledgerID, outcome).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type batchAppendRequest struct {
	Entries []appendRequest `json:"entries"`
}

func (s *Server) handleBatchAppend(w http.ResponseWriter, r *http.Request) {
	ledgerID := mux.Vars(r)["ledgerID"]
	var req batchAppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	items := make([]ledger.BatchAppendItem, len(req.Entries))
	for i, e := range req.Entries {
		items[i] = ledger.BatchAppendItem{Data: e.Data, IdempotencyKey: e.IdempotencyKey, Metadata: e.Metadata}
	}

	result, err := s.svc.BatchAppend(r.Context(), ledgerID, items)
	if err != nil {
		s.metrics.AppendsTotal.WithLabelValues(ledgerID, "error").Inc()
		writeError(w, err)
		return
	}
	s.metrics.AppendsTotal.WithLabelValues(ledgerID, "success").Add(float64(result.Successful))
	s.metrics.AppendsTotal.WithLabelValues(ledgerID, "error").Add(float64(result.Failed))

	status := http.StatusOK
	if result.Failed > 0 && result.Successful > 0 {
		status = http.StatusMultiStatus
	} else if result.Failed > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	includeProof := r.URL.Query().Get("includeProof") == "true"
	entry, proof, err := s.svc.GetEntry(r.Context(), vars["ledgerID"], vars["entryID"], includeProof)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"entry": entry}
	if proof != nil {
		resp["proof"] = proof
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	env, err := s.svc.GetProof(r.Context(), vars["ledgerID"], vars["entryID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var proof ledgercore.MerkleProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid proof body"})
		return
	}
	result := ledger.VerifyProof(proof)
	s.metrics.ProofVerifications.WithLabelValues(boolLabel(result.Valid)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyCompactProof(w http.ResponseWriter, r *http.Request) {
	var compact ledgercore.CompactProof
	if err := json.NewDecoder(r.Body).Decode(&compact); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid proof body"})
		return
	}
	proof, err := ledgercore.FromCompact(compact)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result := ledger.VerifyProof(proof)
	s.metrics.ProofVerifications.WithLabelValues(boolLabel(result.Valid)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func pageParams(r *http.Request) (offset, limit int) {
	offset = atoiDefault(r.URL.Query().Get("offset"), 0)
	limit = atoiDefault(r.URL.Query().Get("limit"), 50)
	return
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
