package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyPaid     = errors.New("installment already paid")
	ErrTokenNotPending = errors.New("verification token is not pending")
)

// Storage defines the persistence operations for clients, loans, installments
// and verification tokens. Every owner-scoped call treats rows of another owner
// as missing.
type Storage interface {
	GetClient(ctx context.Context, ownerID string, id uuid.UUID) (*models.Client, error)
	ListClients(ctx context.Context, ownerID string) ([]*models.Client, error)
	DeleteClient(ctx context.Context, ownerID string, id uuid.UUID) error

	// CreateLoan resolves the owner's client by national ID, creating it when
	// missing, and stores the loan with its full installment set. Either all of
	// it is committed or nothing is. The resolved client is returned.
	CreateLoan(ctx context.Context, client *models.Client, loan *models.Loan, installments []models.Installment) (*models.Client, error)
	GetLoan(ctx context.Context, ownerID string, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, ownerID string) ([]*models.Loan, error)
	ListLoansForClient(ctx context.Context, ownerID string, clientID uuid.UUID) ([]*models.Loan, error)
	// DeleteLoan removes the loan. With dropOrphanClient set, a client left
	// without loans is removed in the same transaction; the flag reports it.
	DeleteLoan(ctx context.Context, ownerID string, id uuid.UUID, dropOrphanClient bool) (bool, error)

	GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error)
	MarkInstallmentPaid(ctx context.Context, loanID uuid.UUID, number int, paidAt time.Time) (*models.Installment, error)
	// ListUnpaidInstallments returns unpaid installments joined with their client.
	// An empty ownerID lists every owner.
	ListUnpaidInstallments(ctx context.Context, ownerID string) ([]models.UnpaidInstallment, error)

	CreateVerificationToken(ctx context.Context, token *models.VerificationToken) error
	GetVerificationToken(ctx context.Context, token string) (*models.VerificationToken, error)
	CompleteVerificationToken(ctx context.Context, token, photoURL string, completedAt time.Time) error

	Close() error
}
