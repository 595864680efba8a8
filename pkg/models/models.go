package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client is a borrower registered by an account holder.
type Client struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"owner_id"` // Account holder that registered the client
	FullName    string    `json:"full_name"`
	Address     string    `json:"address"`
	NationalID  string    `json:"national_id"` // Natural key, unique per owner
	SecondaryID string    `json:"secondary_id,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Loan struct {
	ID                uuid.UUID       `json:"id"`
	ClientID          uuid.UUID       `json:"client_id"`
	OriginalAmount    decimal.Decimal `json:"original_amount"` // Principal lent
	InterestRate      decimal.Decimal `json:"interest_rate"`   // Percentage, 0-100
	Amount            decimal.Decimal `json:"amount"`          // Total payable, fixed at creation
	InstallmentsCount int             `json:"installments_count"`
	FirstDueDate      time.Time       `json:"first_due_date"`
	CreatedAt         time.Time       `json:"created_at"`
}

type Installment struct {
	ID                uuid.UUID       `json:"id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	InstallmentNumber int             `json:"installment_number"`
	Amount            decimal.Decimal `json:"amount"`
	DueDate           time.Time       `json:"due_date"`
	Paid              bool            `json:"paid"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
}

// MarkPaid flips the installment to paid and stamps paid_at. It reports false
// when the installment was already paid, leaving the original stamp untouched.
func (i *Installment) MarkPaid(at time.Time) bool {
	if i.Paid {
		return false
	}
	i.Paid = true
	i.PaidAt = &at
	return true
}

type LoanStatus string

const (
	LoanStatusOnTime  LoanStatus = "on_time"
	LoanStatusOverdue LoanStatus = "overdue"
	LoanStatusPaidOff LoanStatus = "paid_off"
)

type ClientStatus string

const (
	ClientStatusOnTime  ClientStatus = "on_time"
	ClientStatusOverdue ClientStatus = "overdue"
	ClientStatusPaidOff ClientStatus = "paid_off"
	ClientStatusNoLoans ClientStatus = "no_loans"
)

// UnpaidInstallment is an unpaid installment joined with the identity of the
// client that owes it.
type UnpaidInstallment struct {
	ClientID    uuid.UUID   `json:"client_id"`
	ClientName  string      `json:"client_name"`
	Installment Installment `json:"installment"`
}

// OverdueGroup is the per-client overdue aggregate used by the dashboard and reports.
type OverdueGroup struct {
	ClientID   uuid.UUID       `json:"client_id"`
	ClientName string          `json:"client_name"`
	Count      int             `json:"count"`
	Total      decimal.Decimal `json:"total"`
}

// ScheduleSummary breaks a loan's installments down by payment state.
type ScheduleSummary struct {
	TotalInstallments   int             `json:"total_installments"`
	PaidInstallments    int             `json:"paid_installments"`
	PendingInstallments int             `json:"pending_installments"`
	OverdueInstallments int             `json:"overdue_installments"`
	PaidAmount          decimal.Decimal `json:"paid_amount"`
	PendingAmount       decimal.Decimal `json:"pending_amount"`
	OverdueAmount       decimal.Decimal `json:"overdue_amount"`
	NextDueDate         *time.Time      `json:"next_due_date,omitempty"`
}

type VerificationStatus string

const (
	VerificationStatusPending   VerificationStatus = "pending"
	VerificationStatusCompleted VerificationStatus = "completed"
)

// VerificationToken links a one-time photo capture to a loan.
type VerificationToken struct {
	Token       string             `json:"token"`
	LoanID      uuid.UUID          `json:"loan_id"`
	Status      VerificationStatus `json:"status"`
	PhotoURL    string             `json:"photo_url,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// IsValid reports whether the token can still accept a photo at now.
func (v *VerificationToken) IsValid(now time.Time) bool {
	return v.Status == VerificationStatusPending && now.Before(v.ExpiresAt)
}

// LoanDetails is a loan together with its client, schedule and derived status.
type LoanDetails struct {
	Loan         Loan            `json:"loan"`
	Client       Client          `json:"client"`
	Installments []Installment   `json:"installments"`
	Status       LoanStatus      `json:"status"`
	Summary      ScheduleSummary `json:"summary"`
}

// ClientOverview is a client with its derived status.
type ClientOverview struct {
	Client    Client       `json:"client"`
	Status    ClientStatus `json:"status"`
	LoanCount int          `json:"loan_count"`
}

// ClientDetails is a client with every loan it holds.
type ClientDetails struct {
	Client Client        `json:"client"`
	Status ClientStatus  `json:"status"`
	Loans  []LoanDetails `json:"loans"`
}

// Dashboard holds the summary counts shown to an account holder.
type Dashboard struct {
	ClientsByStatus     map[ClientStatus]int `json:"clients_by_status"`
	LoansByStatus       map[LoanStatus]int   `json:"loans_by_status"`
	OverdueInstallments int                  `json:"overdue_installments"`
	OverdueAmount       decimal.Decimal      `json:"overdue_amount"`
	PrincipalLent       decimal.Decimal      `json:"principal_lent"`
	TotalReceivable     decimal.Decimal      `json:"total_receivable"`
	TotalReceived       decimal.Decimal      `json:"total_received"`
	OverdueClients      []OverdueGroup       `json:"overdue_clients"`
}
