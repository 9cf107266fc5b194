package server

import (
	"context"
	"net/http"
	"time"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.CollectionResponse{
		Name:            s.registry.Name(),
		Symbol:          s.registry.Symbol(),
		URIPrefix:       s.registry.URIPrefix(),
		TotalSupply:     s.registry.TotalSupply(),
		Authority:       s.registry.Authority(),
		TimelockSeconds: int64(s.registry.TimelockDuration() / time.Second),
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req api.MintRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var id uint64
	err := s.track(r, "registry.mint", func(ctx context.Context) (err error) {
		id, err = s.registry.Mint(ctx, auth.Caller(ctx), req.To, req.URI)
		return err
	})
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	s.writeToken(w, r, http.StatusCreated, id)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	s.writeToken(w, r, http.StatusOK, id)
}

func (s *Server) writeToken(w http.ResponseWriter, r *http.Request, status int, id uint64) {
	view, err := s.registry.Token(id)
	if err != nil {
		s.fail(w, r, "token", err)
		return
	}
	writeJSON(w, status, view)
}

func (s *Server) handleOwnerOf(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	owner, err := s.registry.OwnerOf(id)
	if err != nil {
		s.fail(w, r, "owner_of", err)
		return
	}
	writeJSON(w, http.StatusOK, api.OwnerResponse{TokenID: id, Owner: owner})
}

func (s *Server) handleTokenURI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	uri, err := s.registry.TokenURI(id)
	if err != nil {
		s.fail(w, r, "token_uri", err)
		return
	}
	writeJSON(w, http.StatusOK, api.URIResponse{TokenID: id, URI: uri})
}

func (s *Server) handleSetTokenURI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req api.SetURIRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.track(r, "registry.set_token_uri", func(ctx context.Context) error {
		return s.registry.SetTokenURI(ctx, auth.Caller(ctx), id, req.URI)
	})
	if err != nil {
		s.fail(w, r, "set_token_uri", err)
		return
	}
	s.writeToken(w, r, http.StatusOK, id)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req api.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.track(r, "registry.transfer", func(ctx context.Context) error {
		return s.registry.TransferFrom(ctx, auth.Caller(ctx), req.From, req.To, id)
	})
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	s.writeToken(w, r, http.StatusOK, id)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req api.ApproveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.track(r, "registry.approve", func(ctx context.Context) error {
		return s.registry.Approve(ctx, auth.Caller(ctx), req.To, id)
	})
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, api.ApprovalResponse{TokenID: id, Approved: req.To})
}

func (s *Server) handleGetApproved(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	approved, err := s.registry.GetApproved(id)
	if err != nil {
		s.fail(w, r, "get_approved", err)
		return
	}
	writeJSON(w, http.StatusOK, api.ApprovalResponse{TokenID: id, Approved: approved})
}

func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	operator := registry.Identity(r.PathValue("operator"))
	var req api.SetOperatorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := auth.Caller(r.Context())
	err := s.track(r, "registry.set_approval_for_all", func(ctx context.Context) error {
		return s.registry.SetApprovalForAll(ctx, caller, operator, req.Approved)
	})
	if err != nil {
		s.fail(w, r, "set_approval_for_all", err)
		return
	}
	writeJSON(w, http.StatusOK, api.OperatorResponse{Owner: caller, Operator: operator, Approved: req.Approved})
}

func (s *Server) handleIsOperator(w http.ResponseWriter, r *http.Request) {
	owner := registry.Identity(r.PathValue("owner"))
	operator := registry.Identity(r.PathValue("operator"))
	writeJSON(w, http.StatusOK, api.OperatorResponse{
		Owner:    owner,
		Operator: operator,
		Approved: s.registry.IsApprovedForAll(owner, operator),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := registry.Identity(r.PathValue("owner"))
	n, err := s.registry.BalanceOf(owner)
	if err != nil {
		s.fail(w, r, "balance_of", err)
		return
	}
	writeJSON(w, http.StatusOK, api.BalanceResponse{Owner: owner, Balance: n})
}

func (s *Server) handleTimelock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NewTimelockResponse(s.registry.TimelockDuration()))
}

func (s *Server) handleSetTimelock(w http.ResponseWriter, r *http.Request) {
	var req api.TimelockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Seconds > int64(maxDuration/time.Second) {
		api.WriteBadRequest(w, "timelock is too long")
		return
	}
	d := time.Duration(req.Seconds) * time.Second
	err := s.track(r, "registry.set_timelock", func(ctx context.Context) error {
		return s.registry.SetTimelockDuration(ctx, auth.Caller(ctx), d)
	})
	if err != nil {
		s.fail(w, r, "set_timelock", err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewTimelockResponse(s.registry.TimelockDuration()))
}

const maxDuration = time.Duration(1<<63 - 1)

func (s *Server) handleAuthority(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.AuthorityResponse{Authority: s.registry.Authority()})
}

func (s *Server) handleTransferAuthority(w http.ResponseWriter, r *http.Request) {
	var req api.AuthorityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.track(r, "registry.transfer_authority", func(ctx context.Context) error {
		return s.registry.TransferAuthority(ctx, auth.Caller(ctx), req.Authority)
	})
	if err != nil {
		s.fail(w, r, "transfer_authority", err)
		return
	}
	writeJSON(w, http.StatusOK, api.AuthorityResponse{Authority: s.registry.Authority()})
}

func (s *Server) handleRenounceAuthority(w http.ResponseWriter, r *http.Request) {
	err := s.track(r, "registry.renounce_authority", func(ctx context.Context) error {
		return s.registry.RenounceAuthority(ctx, auth.Caller(ctx))
	})
	if err != nil {
		s.fail(w, r, "renounce_authority", err)
		return
	}
	writeJSON(w, http.StatusOK, api.AuthorityResponse{Authority: s.registry.Authority()})
}
