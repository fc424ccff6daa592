/*
dto.go - Request/response shapes for the HTTP API

PURPOSE:
  JSON contracts between the HTTP surface and clients. Kept separate from
  the domain types so wire changes never leak into the engines.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// REDEMPTION
// =============================================================================

type RedeemRequest struct {
	Points int64 `json:"points"`
}

type RedeemResponse struct {
	UsedPoints int64            `json:"usedPoints"`
	NewBalance int64            `json:"newBalance"`
	Items      []RedeemedLotDTO `json:"items"`
}

type RedeemedLotDTO struct {
	LotID      string `json:"lotId"`
	UsedPoints int64  `json:"usedPoints"`
}

func toRedeemResponse(r ledger.RedeemResult) RedeemResponse {
	resp := RedeemResponse{
		UsedPoints: r.UsedPoints,
		NewBalance: r.NewBalance,
		Items:      make([]RedeemedLotDTO, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		resp.Items = append(resp.Items, RedeemedLotDTO{LotID: string(it.LotID), UsedPoints: it.UsedPoints})
	}
	return resp
}

// =============================================================================
// BALANCE / EXPIRY
// =============================================================================

type BalanceResponse struct {
	MemberID string `json:"memberId"`
	Balance  int64  `json:"balance"`
}

type ExpiringLotDTO struct {
	LotID           string    `json:"lotId"`
	RemainingPoints int64     `json:"remainingPoints"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Reason          string    `json:"reason,omitempty"`
}

// =============================================================================
// EVENTS
// =============================================================================

type EventRequest struct {
	EventType      string          `json:"eventType"`
	MemberID       string          `json:"memberId"`
	OrderID        string          `json:"orderId,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	CustomEventKey string          `json:"customEventKey,omitempty"`
}

func (r EventRequest) toEvent() grant.Event {
	return grant.Event{
		Type:      r.EventType,
		MemberID:  ledger.MemberID(r.MemberID),
		OrderID:   r.OrderID,
		Amount:    r.Amount,
		CustomKey: r.CustomEventKey,
	}
}

type EventResponse struct {
	AffectedCount int `json:"affectedCount"`
}

// =============================================================================
// RULES
// =============================================================================

type RunResponse struct {
	GrantedCount int          `json:"grantedCount"`
	SkippedCount int          `json:"skippedCount"`
	Failures     []FailureDTO `json:"failures"`
}

type FailureDTO struct {
	MemberID string `json:"memberId"`
	Reason   string `json:"reason"`
}

func toRunResponse(r grant.Result) RunResponse {
	resp := RunResponse{
		GrantedCount: r.Granted,
		SkippedCount: r.Skipped,
		Failures:     make([]FailureDTO, 0, len(r.Failures)),
	}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, FailureDTO{MemberID: string(f.MemberID), Reason: f.Reason})
	}
	return resp
}

type EstimateRequest struct {
	SampleSize  int              `json:"sampleSize"`
	EventAmount *decimal.Decimal `json:"eventAmount,omitempty"`
}

type EstimateDTO struct {
	MemberID string `json:"memberId"`
	Points   int64  `json:"points"`
}

type errorResponse struct {
	Error string `json:"error"`
}
