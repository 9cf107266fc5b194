package api

import (
	"time"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Wire types shared by the server and the Go client.

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type CollectionResponse struct {
	Name            string            `json:"name"`
	Symbol          string            `json:"symbol"`
	URIPrefix       string            `json:"uri_prefix"`
	TotalSupply     uint64            `json:"total_supply"`
	Authority       registry.Identity `json:"authority"`
	TimelockSeconds int64             `json:"timelock_seconds"`
}

type MintRequest struct {
	To  registry.Identity `json:"to"`
	URI string            `json:"uri"`
}

type SetURIRequest struct {
	URI string `json:"uri"`
}

type TransferRequest struct {
	From registry.Identity `json:"from"`
	To   registry.Identity `json:"to"`
}

type ApproveRequest struct {
	To registry.Identity `json:"to"`
}

type ApprovalResponse struct {
	TokenID  uint64            `json:"token_id"`
	Approved registry.Identity `json:"approved"`
}

type SetOperatorRequest struct {
	Approved bool `json:"approved"`
}

type OperatorResponse struct {
	Owner    registry.Identity `json:"owner"`
	Operator registry.Identity `json:"operator"`
	Approved bool              `json:"approved"`
}

type OwnerResponse struct {
	TokenID uint64            `json:"token_id"`
	Owner   registry.Identity `json:"owner"`
}

type URIResponse struct {
	TokenID uint64 `json:"token_id"`
	URI     string `json:"uri"`
}

type BalanceResponse struct {
	Owner   registry.Identity `json:"owner"`
	Balance uint64            `json:"balance"`
}

type TimelockRequest struct {
	Seconds int64 `json:"seconds"`
}

type TimelockResponse struct {
	Seconds  int64  `json:"seconds"`
	Duration string `json:"duration"`
}

// NewTimelockResponse renders d for the API.
func NewTimelockResponse(d time.Duration) TimelockResponse {
	return TimelockResponse{Seconds: int64(d / time.Second), Duration: d.String()}
}

type AuthorityRequest struct {
	Authority registry.Identity `json:"authority"`
}

type AuthorityResponse struct {
	Authority registry.Identity `json:"authority"`
}

type AuditVerifyResponse struct {
	OK      bool   `json:"ok"`
	Entries int    `json:"entries"`
	Head    string `json:"head"`
	Error   string `json:"error,omitempty"`
}
