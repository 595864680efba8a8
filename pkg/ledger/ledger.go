package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/schedule"
	"github.com/mcclellann/loanbook/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Ledger handles the business workflows for clients, loans and installments.
type Ledger struct {
	storage    store.Storage
	logger     *zap.Logger
	now        func() time.Time
	exactTotal bool
}

type Option func(*Ledger)

// WithClock replaces the wall clock used for "today" and payment stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithExactTotal makes new schedules carry the rounding remainder on the last
// installment.
func WithExactTotal(exact bool) Option {
	return func(l *Ledger) { l.exactTotal = exact }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		storage: s,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today is the current calendar day according to the ledger clock.
func (l *Ledger) Today() time.Time {
	return schedule.Today(l.now())
}

// CreateLoan registers a loan for the owner, reusing the client with the same
// national ID or creating it, and stores the full installment schedule.
func (l *Ledger) CreateLoan(ctx context.Context, ownerID string, req CreateLoanRequest) (*models.LoanDetails, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	firstDue, err := time.Parse(dateLayout, req.FirstDueDate)
	if err != nil {
		return nil, fmt.Errorf("%w: first_due_date: %v", ErrInvalidArgument, err)
	}

	total := schedule.TotalPayable(req.OriginalAmount, req.InterestRate)
	installments := schedule.Generate(total, req.InstallmentsCount, firstDue)
	if l.exactTotal {
		installments = schedule.RedistributeRemainder(total, installments)
	}

	loan := &models.Loan{
		ID:                uuid.New(),
		OriginalAmount:    req.OriginalAmount,
		InterestRate:      req.InterestRate,
		Amount:            schedule.RoundMoney(total),
		InstallmentsCount: req.InstallmentsCount,
		FirstDueDate:      schedule.DateOnly(firstDue),
		CreatedAt:         l.now(),
	}

	client, err := l.storage.CreateLoan(ctx, &models.Client{
		OwnerID:     ownerID,
		FullName:    req.Client.FullName,
		Address:     req.Client.Address,
		NationalID:  req.Client.NationalID,
		SecondaryID: req.Client.SecondaryID,
		Phone:       req.Client.Phone,
		CreatedAt:   l.now(),
	}, loan, installments)
	if err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	if drift := schedule.Drift(total, installments); !drift.IsZero() {
		l.logger.Debug("installment rounding drift",
			zap.String("loan_id", loan.ID.String()),
			zap.String("drift", drift.String()))
	}
	l.logger.Info("loan created",
		zap.String("owner_id", ownerID),
		zap.String("loan_id", loan.ID.String()),
		zap.String("client_id", client.ID.String()),
		zap.String("amount", loan.Amount.StringFixed(2)),
		zap.Int("installments", loan.InstallmentsCount))

	return l.details(loan, client, installments), nil
}

func (l *Ledger) details(loan *models.Loan, client *models.Client, installments []models.Installment) *models.LoanDetails {
	today := l.Today()
	return &models.LoanDetails{
		Loan:         *loan,
		Client:       *client,
		Installments: installments,
		Status:       schedule.LoanStatus(installments, today),
		Summary:      schedule.Summarize(installments, today),
	}
}

func (l *Ledger) loadDetails(ctx context.Context, loan *models.Loan, client *models.Client) (*models.LoanDetails, error) {
	installments, err := l.storage.GetInstallments(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	return l.details(loan, client, installments), nil
}

// GetLoan retrieves a loan with its client, installments and derived status.
func (l *Ledger) GetLoan(ctx context.Context, ownerID string, id uuid.UUID) (*models.LoanDetails, error) {
	loan, err := l.storage.GetLoan(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	client, err := l.storage.GetClient(ctx, ownerID, loan.ClientID)
	if err != nil {
		return nil, err
	}
	return l.loadDetails(ctx, loan, client)
}

// ListLoans retrieves every loan of the owner with derived statuses.
func (l *Ledger) ListLoans(ctx context.Context, ownerID string) ([]models.LoanDetails, error) {
	clients, err := l.storage.ListClients(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return l.listLoans(ctx, ownerID, indexClients(clients))
}

func (l *Ledger) listLoans(ctx context.Context, ownerID string, clients map[uuid.UUID]*models.Client) ([]models.LoanDetails, error) {
	loans, err := l.storage.ListLoans(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]models.LoanDetails, 0, len(loans))
	for _, loan := range loans {
		client, ok := clients[loan.ClientID]
		if !ok {
			return nil, fmt.Errorf("client %s of loan %s: %w", loan.ClientID, loan.ID, store.ErrNotFound)
		}
		d, err := l.loadDetails(ctx, loan, client)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func indexClients(clients []*models.Client) map[uuid.UUID]*models.Client {
	index := make(map[uuid.UUID]*models.Client, len(clients))
	for _, c := range clients {
		index[c.ID] = c
	}
	return index
}

// GetClient retrieves a client with all its loans and the aggregated status.
func (l *Ledger) GetClient(ctx context.Context, ownerID string, id uuid.UUID) (*models.ClientDetails, error) {
	client, err := l.storage.GetClient(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	loans, err := l.storage.ListLoansForClient(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	out := &models.ClientDetails{Client: *client, Loans: make([]models.LoanDetails, 0, len(loans))}
	statuses := make([]models.LoanStatus, 0, len(loans))
	for _, loan := range loans {
		d, err := l.loadDetails(ctx, loan, client)
		if err != nil {
			return nil, err
		}
		out.Loans = append(out.Loans, *d)
		statuses = append(statuses, d.Status)
	}
	out.Status = schedule.ClientStatus(statuses)
	return out, nil
}

// ListClients retrieves the owner's clients with their derived statuses.
func (l *Ledger) ListClients(ctx context.Context, ownerID string) ([]models.ClientOverview, error) {
	clients, loans, err := l.portfolio(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return overviews(clients, loans), nil
}

// portfolio loads the owner's clients once and every loan's details against them.
func (l *Ledger) portfolio(ctx context.Context, ownerID string) ([]*models.Client, []models.LoanDetails, error) {
	clients, err := l.storage.ListClients(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	loans, err := l.listLoans(ctx, ownerID, indexClients(clients))
	if err != nil {
		return nil, nil, err
	}
	return clients, loans, nil
}

func overviews(clients []*models.Client, loans []models.LoanDetails) []models.ClientOverview {
	statuses := make(map[uuid.UUID][]models.LoanStatus)
	for _, d := range loans {
		statuses[d.Client.ID] = append(statuses[d.Client.ID], d.Status)
	}

	out := make([]models.ClientOverview, 0, len(clients))
	for _, c := range clients {
		out = append(out, models.ClientOverview{
			Client:    *c,
			Status:    schedule.ClientStatus(statuses[c.ID]),
			LoanCount: len(statuses[c.ID]),
		})
	}
	return out
}

// PayInstallment marks installment number of the loan as paid now.
func (l *Ledger) PayInstallment(ctx context.Context, ownerID string, loanID uuid.UUID, number int) (*models.Installment, error) {
	if _, err := l.storage.GetLoan(ctx, ownerID, loanID); err != nil {
		return nil, err
	}
	inst, err := l.storage.MarkInstallmentPaid(ctx, loanID, number, l.now())
	if err != nil {
		return nil, err
	}
	l.logger.Info("installment paid",
		zap.String("owner_id", ownerID),
		zap.String("loan_id", loanID.String()),
		zap.Int("installment_number", number),
		zap.String("amount", inst.Amount.StringFixed(2)))
	return inst, nil
}

// DeleteLoan deletes a loan and its installments. When dropOrphanClient is
// set and the loan was the client's last one, the client is deleted too; the
// returned flag reports whether that happened.
func (l *Ledger) DeleteLoan(ctx context.Context, ownerID string, id uuid.UUID, dropOrphanClient bool) (bool, error) {
	clientDeleted, err := l.storage.DeleteLoan(ctx, ownerID, id, dropOrphanClient)
	if err != nil {
		return false, err
	}
	l.logger.Info("loan deleted",
		zap.String("owner_id", ownerID),
		zap.String("loan_id", id.String()),
		zap.Bool("client_deleted", clientDeleted))
	return clientDeleted, nil
}

// DeleteClient deletes a client with every loan it holds.
func (l *Ledger) DeleteClient(ctx context.Context, ownerID string, id uuid.UUID) error {
	if err := l.storage.DeleteClient(ctx, ownerID, id); err != nil {
		return err
	}
	l.logger.Info("client deleted", zap.String("owner_id", ownerID), zap.String("client_id", id.String()))
	return nil
}

// OverdueReport groups the owner's overdue installments by client. An empty
// ownerID covers every owner.
func (l *Ledger) OverdueReport(ctx context.Context, ownerID string) ([]models.OverdueGroup, error) {
	unpaid, err := l.storage.ListUnpaidInstallments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return schedule.SortedGroups(schedule.AggregateOverdue(unpaid, l.Today())), nil
}

// Dashboard computes the owner's summary counts and amounts.
func (l *Ledger) Dashboard(ctx context.Context, ownerID string) (*models.Dashboard, error) {
	clients, loans, err := l.portfolio(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	overdue, err := l.OverdueReport(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	d := &models.Dashboard{
		ClientsByStatus: make(map[models.ClientStatus]int),
		LoansByStatus:   make(map[models.LoanStatus]int),
		OverdueAmount:   decimal.Zero,
		PrincipalLent:   decimal.Zero,
		TotalReceivable: decimal.Zero,
		TotalReceived:   decimal.Zero,
		OverdueClients:  overdue,
	}
	for _, c := range overviews(clients, loans) {
		d.ClientsByStatus[c.Status]++
	}
	for _, loan := range loans {
		d.LoansByStatus[loan.Status]++
		d.PrincipalLent = d.PrincipalLent.Add(loan.Loan.OriginalAmount)
		d.TotalReceivable = d.TotalReceivable.Add(loan.Summary.PendingAmount)
		d.TotalReceived = d.TotalReceived.Add(loan.Summary.PaidAmount)
	}
	for _, g := range overdue {
		d.OverdueInstallments += g.Count
		d.OverdueAmount = d.OverdueAmount.Add(g.Total)
	}
	return d, nil
}
