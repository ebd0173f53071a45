/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings with two fraction digits ("19.99"). Request
  bodies accept a JSON string or a number.

FIELD NAMES:
  EKO fields keep the panel's camelCase names (currentPoints, pointsPerPln).

SEE ALSO:
  - handlers.go, services.go, admin.go: Use these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/wallet"
)

// =============================================================================
// EKO
// =============================================================================

type EkoEntryDTO struct {
	ID         string `json:"id"`
	ActionType string `json:"actionType"`
	Points     int64  `json:"points"`
	Reference  string `json:"reference,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CreatedBy  string `json:"createdBy,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// EkoSummaryDTO is the points dashboard.
type EkoSummaryDTO struct {
	CurrentPoints      int64         `json:"currentPoints"`
	PointsPerPln       int64         `json:"pointsPerPln"`
	TreesPlanted       int64         `json:"treesPlanted"`
	ProgressToNextTree int           `json:"progressToNextTree"`
	CurrentTreeStage   int           `json:"currentTreeStage"`
	StageName          string        `json:"stageName"`
	History            []EkoEntryDTO `json:"history"`
}

type RedeemRequest struct {
	Points int64 `json:"points"`
}

type RedemptionDTO struct {
	PointsRedeemed   int64                `json:"pointsRedeemed"`
	CreditedAmount   string               `json:"creditedAmount"`
	NewPointsBalance int64                `json:"newPointsBalance"`
	Transaction      WalletTransactionDTO `json:"walletTransaction"`
}

type ActionRequest struct {
	ActionType string `json:"actionType"`
}

type ActionResultDTO struct {
	Entry          EkoEntryDTO `json:"entry"`
	AlreadyGranted bool        `json:"alreadyGranted"`
}

type AdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type AuditDTO struct {
	AccountID  string `json:"accountId"`
	Book       string `json:"book"`
	Counter    string `json:"counter"`
	Replayed   string `json:"replayed"`
	Entries    int    `json:"entries"`
	Consistent bool   `json:"consistent"`
}

// =============================================================================
// CATALOG
// =============================================================================

type PlanDTO struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	MonthlyPrice string  `json:"monthlyPrice"`
	YearlyPrice  *string `json:"yearlyPrice,omitempty"`
	CPU          int     `json:"cpu"`
	RAMMB        int     `json:"ram"`
	DiskGB       int     `json:"disk"`
	TransferGB   int     `json:"transfer"`
	IsPublic     bool    `json:"isPublic"`

	GatewayProductID      string `json:"gatewayProductId,omitempty"`
	GatewayMonthlyPriceID string `json:"gatewayMonthlyPriceId,omitempty"`
	GatewayYearlyPriceID  string `json:"gatewayYearlyPriceId,omitempty"`

	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// PlanRequest creates or replaces a plan.
type PlanRequest struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	MonthlyPrice decimal.Decimal  `json:"monthlyPrice"`
	YearlyPrice  *decimal.Decimal `json:"yearlyPrice,omitempty"`
	CPU          int              `json:"cpu"`
	RAMMB        int              `json:"ram"`
	DiskGB       int              `json:"disk"`
	TransferGB   int              `json:"transfer"`
	IsPublic     bool             `json:"isPublic"`

	GatewayProductID      string `json:"gatewayProductId,omitempty"`
	GatewayMonthlyPriceID string `json:"gatewayMonthlyPriceId,omitempty"`
	GatewayYearlyPriceID  string `json:"gatewayYearlyPriceId,omitempty"`
}

func (r PlanRequest) toPlan() hosting.Plan {
	p := hosting.Plan{
		ID:                    r.ID,
		Name:                  r.Name,
		MonthlyPrice:          r.MonthlyPrice,
		CPU:                   r.CPU,
		RAMMB:                 r.RAMMB,
		DiskGB:                r.DiskGB,
		TransferGB:            r.TransferGB,
		IsPublic:              r.IsPublic,
		GatewayProductID:      r.GatewayProductID,
		GatewayMonthlyPriceID: r.GatewayMonthlyPriceID,
		GatewayYearlyPriceID:  r.GatewayYearlyPriceID,
	}
	if r.YearlyPrice != nil {
		p.YearlyPrice = decimal.NewNullDecimal(*r.YearlyPrice)
	}
	return p
}

// =============================================================================
// SERVICES
// =============================================================================

type ServiceDTO struct {
	ID              string  `json:"id"`
	OwnerID         string  `json:"ownerId"`
	PlanID          string  `json:"planId"`
	Status          string  `json:"status"`
	BillingCycle    string  `json:"billingCycle"`
	BillingMode     string  `json:"billingMode"`
	ExpiresAt       string  `json:"expiresAt"`
	AutoRenew       bool    `json:"autoRenew"`
	SubscriptionRef string  `json:"subscriptionRef,omitempty"`
	CancelledAt     *string `json:"cancelledAt,omitempty"`
	CancelReason    string  `json:"cancelReason,omitempty"`
	Version         int     `json:"version"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

type PurchaseRequest struct {
	PlanID       string `json:"planId"`
	BillingCycle string `json:"billingCycle"`
	AutoRenew    bool   `json:"autoRenew"`
}

type PurchaseResponse struct {
	Service ServiceDTO `json:"service"`
	Renewal RenewalDTO `json:"renewal"`
}

type AutoRenewRequest struct {
	Enabled bool `json:"enabled"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RenewalDTO struct {
	ID          string `json:"id"`
	ServiceID   string `json:"serviceId"`
	AccountID   string `json:"accountId"`
	Reference   string `json:"reference"`
	Source      string `json:"source"`
	Amount      string `json:"amount"`
	Cycle       string `json:"billingCycle"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	CreatedAt   string `json:"createdAt"`
}

type FailureDTO struct {
	ServiceID string `json:"serviceId"`
	Error     string `json:"error"`
}

type SweepDTO struct {
	Renewed   []RenewalDTO `json:"renewed"`
	Suspended []string     `json:"suspended"`
	Failed    []FailureDTO `json:"failed"`
}

// =============================================================================
// WALLET
// =============================================================================

type WalletBalanceDTO struct {
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

type WalletTransactionDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Reference   string `json:"reference,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toEntryDTO(e eko.Entry) EkoEntryDTO {
	return EkoEntryDTO{
		ID:         e.ID,
		ActionType: string(e.Action),
		Points:     e.Points,
		Reference:  e.Reference,
		Reason:     e.Reason,
		CreatedBy:  e.CreatedBy,
		CreatedAt:  formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []eko.Entry) []EkoEntryDTO {
	dtos := make([]EkoEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toSummaryDTO(s eko.Summary) EkoSummaryDTO {
	return EkoSummaryDTO{
		CurrentPoints:      s.CurrentPoints,
		PointsPerPln:       s.PointsPerCurrencyUnit,
		TreesPlanted:       s.Tree.TreesPlanted,
		ProgressToNextTree: s.Tree.ProgressToNextTree,
		CurrentTreeStage:   int(s.Tree.Stage),
		StageName:          s.Tree.Stage.String(),
		History:            toEntryDTOs(s.History),
	}
}

func toAuditDTO(a generic.BalanceAudit) AuditDTO {
	return AuditDTO{
		AccountID:  string(a.EntityID),
		Book:       string(a.BookID),
		Counter:    a.Counter.String(),
		Replayed:   a.Replayed.String(),
		Entries:    a.Entries,
		Consistent: a.Consistent(),
	}
}

func toPlanDTO(p hosting.Plan) PlanDTO {
	dto := PlanDTO{
		ID:                    p.ID,
		Name:                  p.Name,
		MonthlyPrice:          p.MonthlyPrice.StringFixed(2),
		CPU:                   p.CPU,
		RAMMB:                 p.RAMMB,
		DiskGB:                p.DiskGB,
		TransferGB:            p.TransferGB,
		IsPublic:              p.IsPublic,
		GatewayProductID:      p.GatewayProductID,
		GatewayMonthlyPriceID: p.GatewayMonthlyPriceID,
		GatewayYearlyPriceID:  p.GatewayYearlyPriceID,
	}
	if p.YearlyPrice.Valid {
		yearly := p.YearlyPrice.Decimal.StringFixed(2)
		dto.YearlyPrice = &yearly
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = formatTime(p.CreatedAt)
		dto.UpdatedAt = formatTime(p.UpdatedAt)
	}
	return dto
}

func toPlanDTOs(plans []hosting.Plan) []PlanDTO {
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	return dtos
}

func toServiceDTO(s *hosting.Service) ServiceDTO {
	dto := ServiceDTO{
		ID:              s.ID(),
		OwnerID:         s.OwnerID(),
		PlanID:          s.PlanID(),
		Status:          s.Status().String(),
		BillingCycle:    s.Cycle().String(),
		BillingMode:     string(s.Mode()),
		ExpiresAt:       formatTime(s.ExpiresAt()),
		AutoRenew:       s.AutoRenew(),
		SubscriptionRef: s.SubscriptionRef(),
		CancelReason:    s.CancelReason(),
		Version:         s.Version(),
		CreatedAt:       formatTime(s.CreatedAt()),
		UpdatedAt:       formatTime(s.UpdatedAt()),
	}
	if at := s.CancelledAt(); at != nil {
		cancelled := formatTime(*at)
		dto.CancelledAt = &cancelled
	}
	return dto
}

func toServiceDTOs(services []*hosting.Service) []ServiceDTO {
	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	return dtos
}

func toRenewalDTO(r hosting.Renewal) RenewalDTO {
	return RenewalDTO{
		ID:          r.ID,
		ServiceID:   r.ServiceID,
		AccountID:   r.AccountID,
		Reference:   r.Reference,
		Source:      string(r.Source),
		Amount:      r.Amount.StringFixed(2),
		Cycle:       r.Cycle.String(),
		PeriodStart: formatTime(r.PeriodStart),
		PeriodEnd:   formatTime(r.PeriodEnd),
		CreatedAt:   formatTime(r.CreatedAt),
	}
}

func toRenewalDTOs(renewals []hosting.Renewal) []RenewalDTO {
	dtos := make([]RenewalDTO, len(renewals))
	for i, r := range renewals {
		dtos[i] = toRenewalDTO(r)
	}
	return dtos
}

func toSweepDTO(r hosting.SweepReport) SweepDTO {
	dto := SweepDTO{
		Renewed:   toRenewalDTOs(r.Renewed),
		Suspended: r.Suspended,
		Failed:    make([]FailureDTO, len(r.Failed)),
	}
	if dto.Suspended == nil {
		dto.Suspended = []string{}
	}
	for i, f := range r.Failed {
		dto.Failed[i] = FailureDTO{ServiceID: f.ServiceID, Error: f.Err.Error()}
	}
	return dto
}

func toWalletTxDTO(tx wallet.Transaction) WalletTransactionDTO {
	return WalletTransactionDTO{
		ID:          tx.ID,
		Amount:      tx.Amount.StringFixed(2),
		Type:        string(tx.Type),
		Status:      string(tx.Status),
		Reference:   tx.Reference,
		Description: tx.Description,
		CreatedAt:   formatTime(tx.CreatedAt),
	}
}

func toWalletTxDTOs(txs []wallet.Transaction) []WalletTransactionDTO {
	dtos := make([]WalletTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toWalletTxDTO(tx)
	}
	return dtos
}
