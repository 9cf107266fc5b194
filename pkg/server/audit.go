package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/audit"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const maxAuditResults = 1000

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		api.WriteNotFound(w, "audit trail is not enabled")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Kind:       registry.EventKind(q.Get("kind")),
		Subject:    q.Get("subject"),
		Actor:      registry.Identity(q.Get("actor")),
		MaxResults: maxAuditResults,
	}
	var ok bool
	if f.StartSeq, ok = queryUint(w, r, "start"); !ok {
		return
	}
	if f.EndSeq, ok = queryUint(w, r, "end"); !ok {
		return
	}
	if limit, ok := queryUint(w, r, "limit"); !ok {
		return
	} else if limit > 0 && limit < maxAuditResults {
		f.MaxResults = int(limit)
	}
	writeJSON(w, http.StatusOK, s.chain.Query(f))
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		api.WriteNotFound(w, "audit trail is not enabled")
		return
	}
	resp := api.AuditVerifyResponse{OK: true, Entries: s.chain.Len(), Head: s.chain.Head()}
	if err := s.chain.Verify(); err != nil {
		s.logger.ErrorContext(r.Context(), "audit chain verification failed", "error", err)
		resp.OK = false
		resp.Error = err.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		api.WriteNotFound(w, "audit trail is not enabled")
		return
	}
	start, ok := queryUint(w, r, "start")
	if !ok {
		return
	}
	end, ok := queryUint(w, r, "end")
	if !ok {
		return
	}
	bundle, err := s.chain.Export(start, end, s.clock())
	if errors.Is(err, audit.ErrEmptyBundle) {
		api.WriteNotFound(w, "no audit entries in range")
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func queryUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		api.WriteBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
