// Package httpserver exposes the append, query, verification and checkpoint
// interfaces over HTTP. Callers are assumed already authorized; the router
// only throttles the verification endpoint since chain walks over long
// chains are the one expensive operation safe to expose read-only.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/josedab/complianceagent/internal/audit"
)

type Server struct {
	store    audit.Store
	appender *audit.Appender
	verifier *audit.Verifier
	manager  *audit.CheckpointManager

	verifyThrottle int
}

// New assembles a Server. verifyThrottle bounds concurrent in-flight
// verification requests; <= 0 defaults to 4.
func New(store audit.Store, appender *audit.Appender, verifier *audit.Verifier, manager *audit.CheckpointManager, verifyThrottle int) *Server {
	if verifyThrottle <= 0 {
		verifyThrottle = 4
	}
	return &Server{
		store:          store,
		appender:       appender,
		verifier:       verifier,
		manager:        manager,
		verifyThrottle: verifyThrottle,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/chains/{chainID}", func(r chi.Router) {
		r.Post("/entries", s.handleAppend)
		r.Get("/entries", s.handleQuery)
		r.Get("/head", s.handleHead)
		r.With(middleware.Throttle(s.verifyThrottle)).Get("/verify", s.handleVerify)
		r.Post("/checkpoints", s.handleCheckpoint)
		r.Get("/checkpoints/latest", s.handleLatestCheckpoint)
	})
	r.Get("/v1/checkpoints/status", s.handleCheckpointStatus)

	return r
}

type appendRequest struct {
	ActorID      string      `json:"actorId"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resourceType,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	Payload      interface{} `json:"payload"`
	Ts           *time.Time  `json:"ts,omitempty"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")

	var req appendRequest
	dec := json.NewDecoder(r.Body)
	// UseNumber keeps numeric payload values textually stable, so the bytes
	// hashed here equal the bytes hashed on re-verification.
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	in := audit.EntryInput{
		ActorID:      req.ActorID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Payload:      req.Payload,
	}
	if req.Ts != nil {
		in.Ts = req.Ts.UTC()
	}

	entry, err := s.appender.Append(r.Context(), chainID, in)
	if err != nil {
		respondAppendError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func respondAppendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrInvalidInput), errors.Is(err, audit.ErrSerialization):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audit.ErrConcurrentAppend):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	q := r.URL.Query()

	f := audit.QueryFilter{
		ChainID:      chainID,
		ActorID:      q.Get("actor"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		f.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid until: "+err.Error())
			return
		}
		f.Until = ts
	}
	if v := q.Get("afterSeq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid afterSeq: "+err.Error())
			return
		}
		f.AfterSeq = &n
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be in [1,1000]")
			return
		}
		f.Limit = n
	}

	entries, err := s.store.Query(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	resp := map[string]interface{}{"entries": entries}
	if len(entries) == f.Limit {
		resp["nextAfterSeq"] = entries[len(entries)-1].Sequence
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	head, err := s.store.Head(r.Context(), chainID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			respondError(w, http.StatusNotFound, "chain not found")
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, head)
}

// handleVerify runs a chain verification. An auditor may anchor the walk at
// a previously exported checkpoint by supplying fromSequence and rootHash;
// fromLatestCheckpoint=true anchors at the locally stored latest
// checkpoint. A broken chain is a 200 with valid=false — the report is the
// product, not a server failure.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	q := r.URL.Query()

	var anchor *audit.Checkpoint
	switch {
	case q.Get("fromSequence") != "" || q.Get("rootHash") != "":
		seqStr, rootHash := q.Get("fromSequence"), q.Get("rootHash")
		if seqStr == "" || rootHash == "" {
			respondError(w, http.StatusBadRequest, "fromSequence and rootHash must be supplied together")
			return
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid fromSequence: "+err.Error())
			return
		}
		anchor = &audit.Checkpoint{ChainID: chainID, Sequence: seq, RootHash: rootHash}
	case q.Get("fromLatestCheckpoint") == "true":
		cp, err := s.store.LatestCheckpoint(r.Context(), chainID)
		if err != nil {
			if errors.Is(err, audit.ErrNotFound) {
				respondError(w, http.StatusNotFound, "no checkpoint for chain")
				return
			}
			respondStoreError(w, err)
			return
		}
		anchor = cp
	}

	result, err := s.verifier.VerifyChain(r.Context(), chainID, anchor)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	cp, err := s.manager.Checkpoint(r.Context(), chainID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			respondError(w, http.StatusNotFound, "chain not found")
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	cp, err := s.store.LatestCheckpoint(r.Context(), chainID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no checkpoint for chain")
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cp)
}

func (s *Server) handleCheckpointStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.Context())
	if err != nil && st == nil {
		respondStoreError(w, err)
		return
	}
	resp := map[string]interface{}{
		"pending": st.Pending,
		"stale":   st.Stale,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrStoreUnavailable) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
