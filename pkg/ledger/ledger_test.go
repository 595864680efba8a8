package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	clients      map[uuid.UUID]*models.Client
	loans        map[uuid.UUID]*models.Loan
	installments map[uuid.UUID][]models.Installment
	tokens       map[string]*models.VerificationToken
	failCreate   error
	clientLists  int
	loanLists    int
}

func NewMockStore() *MockStore {
	return &MockStore{
		clients:      make(map[uuid.UUID]*models.Client),
		loans:        make(map[uuid.UUID]*models.Loan),
		installments: make(map[uuid.UUID][]models.Installment),
		tokens:       make(map[string]*models.VerificationToken),
	}
}

func (m *MockStore) GetClient(_ context.Context, ownerID string, id uuid.UUID) (*models.Client, error) {
	c, ok := m.clients[id]
	if !ok || c.OwnerID != ownerID {
		return nil, fmt.Errorf("client: %w", store.ErrNotFound)
	}
	return c, nil
}

func (m *MockStore) ListClients(_ context.Context, ownerID string) ([]*models.Client, error) {
	m.clientLists++
	var out []*models.Client
	for _, c := range m.clients {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (m *MockStore) DeleteClient(ctx context.Context, ownerID string, id uuid.UUID) error {
	if _, err := m.GetClient(ctx, ownerID, id); err != nil {
		return err
	}
	for loanID, loan := range m.loans {
		if loan.ClientID == id {
			m.dropLoan(loanID)
		}
	}
	delete(m.clients, id)
	return nil
}

// CreateLoan mirrors the transactional store: on failure nothing is kept,
// including a client that would have been created.
func (m *MockStore) CreateLoan(_ context.Context, client *models.Client, loan *models.Loan, installments []models.Installment) (*models.Client, error) {
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	var resolved *models.Client
	for _, c := range m.clients {
		if c.OwnerID == client.OwnerID && c.NationalID == client.NationalID {
			resolved = c
		}
	}
	if resolved == nil {
		c := *client
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		m.clients[c.ID] = &c
		resolved = &c
	}
	loan.ClientID = resolved.ID
	for i := range installments {
		installments[i].ID = uuid.New()
		installments[i].LoanID = loan.ID
	}
	m.loans[loan.ID] = loan
	m.installments[loan.ID] = append([]models.Installment(nil), installments...)
	return resolved, nil
}

func (m *MockStore) owns(ownerID string, loan *models.Loan) bool {
	c, ok := m.clients[loan.ClientID]
	return ok && c.OwnerID == ownerID
}

func (m *MockStore) GetLoan(_ context.Context, ownerID string, id uuid.UUID) (*models.Loan, error) {
	loan, ok := m.loans[id]
	if !ok || !m.owns(ownerID, loan) {
		return nil, fmt.Errorf("loan: %w", store.ErrNotFound)
	}
	return loan, nil
}

func (m *MockStore) ListLoans(_ context.Context, ownerID string) ([]*models.Loan, error) {
	m.loanLists++
	var out []*models.Loan
	for _, loan := range m.loans {
		if m.owns(ownerID, loan) {
			out = append(out, loan)
		}
	}
	return out, nil
}

func (m *MockStore) ListLoansForClient(_ context.Context, ownerID string, clientID uuid.UUID) ([]*models.Loan, error) {
	var out []*models.Loan
	for _, loan := range m.loans {
		if loan.ClientID == clientID && m.owns(ownerID, loan) {
			out = append(out, loan)
		}
	}
	return out, nil
}

func (m *MockStore) dropLoan(id uuid.UUID) {
	delete(m.loans, id)
	delete(m.installments, id)
	for tok, vt := range m.tokens {
		if vt.LoanID == id {
			delete(m.tokens, tok)
		}
	}
}

func (m *MockStore) DeleteLoan(ctx context.Context, ownerID string, id uuid.UUID, dropOrphanClient bool) (bool, error) {
	loan, err := m.GetLoan(ctx, ownerID, id)
	if err != nil {
		return false, err
	}
	m.dropLoan(id)
	if !dropOrphanClient {
		return false, nil
	}
	for _, other := range m.loans {
		if other.ClientID == loan.ClientID {
			return false, nil
		}
	}
	delete(m.clients, loan.ClientID)
	return true, nil
}

func (m *MockStore) GetInstallments(_ context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	return append([]models.Installment(nil), m.installments[loanID]...), nil
}

func (m *MockStore) MarkInstallmentPaid(_ context.Context, loanID uuid.UUID, number int, paidAt time.Time) (*models.Installment, error) {
	list := m.installments[loanID]
	for i := range list {
		if list[i].InstallmentNumber != number {
			continue
		}
		if !list[i].MarkPaid(paidAt) {
			return nil, store.ErrAlreadyPaid
		}
		inst := list[i]
		return &inst, nil
	}
	return nil, fmt.Errorf("installment: %w", store.ErrNotFound)
}

func (m *MockStore) ListUnpaidInstallments(_ context.Context, ownerID string) ([]models.UnpaidInstallment, error) {
	var out []models.UnpaidInstallment
	for loanID, list := range m.installments {
		loan := m.loans[loanID]
		client := m.clients[loan.ClientID]
		if ownerID != "" && client.OwnerID != ownerID {
			continue
		}
		for _, inst := range list {
			if !inst.Paid {
				out = append(out, models.UnpaidInstallment{ClientID: client.ID, ClientName: client.FullName, Installment: inst})
			}
		}
	}
	return out, nil
}

func (m *MockStore) CreateVerificationToken(_ context.Context, token *models.VerificationToken) error {
	m.tokens[token.Token] = token
	return nil
}

func (m *MockStore) GetVerificationToken(_ context.Context, token string) (*models.VerificationToken, error) {
	vt, ok := m.tokens[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return vt, nil
}

func (m *MockStore) CompleteVerificationToken(_ context.Context, token, photoURL string, completedAt time.Time) error {
	vt, ok := m.tokens[token]
	if !ok {
		return store.ErrNotFound
	}
	if vt.Status != models.VerificationStatusPending {
		return store.ErrTokenNotPending
	}
	vt.Status = models.VerificationStatusCompleted
	vt.PhotoURL = photoURL
	vt.CompletedAt = &completedAt
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

var fixedNow = time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC)

func newTestLedger(opts ...Option) (*Ledger, *MockStore) {
	s := NewMockStore()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewLedger(s, zap.NewNop(), opts...), s
}

func loanRequest(nationalID, principal, rate string, count int, firstDue string) CreateLoanRequest {
	return CreateLoanRequest{
		Client: ClientInput{
			FullName:   "Client " + nationalID,
			NationalID: nationalID,
			Phone:      "+55 11 98888-7777",
		},
		OriginalAmount:    decimal.RequireFromString(principal),
		InterestRate:      decimal.RequireFromString(rate),
		InstallmentsCount: count,
		FirstDueDate:      firstDue,
	}
}

func TestCreateLoan(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	details, err := l.CreateLoan(ctx, "owner-1", loanRequest("123", "1000", "10", 3, "2024-01-31"))
	require.NoError(t, err)

	assert.True(t, details.Loan.Amount.Equal(decimal.NewFromInt(1100)), "expected amount 1100, got %s", details.Loan.Amount)
	assert.Equal(t, 3, details.Loan.InstallmentsCount)
	require.Len(t, details.Installments, 3)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), details.Installments[1].DueDate)
	for _, inst := range details.Installments {
		assert.True(t, inst.Amount.Equal(decimal.RequireFromString("366.67")), "got %s", inst.Amount)
	}
	// Jan 31 and Feb 29 are before May 10 and unpaid.
	assert.Equal(t, models.LoanStatusOverdue, details.Status)

	assert.Len(t, s.clients, 1)
	assert.Len(t, s.installments[details.Loan.ID], 3)
	assert.True(t, fixedNow.Equal(details.Loan.CreatedAt))
}

func TestCreateLoan_ReusesClientByNationalID(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	first, err := l.CreateLoan(ctx, "owner-1", loanRequest("123", "100", "0", 1, "2024-06-01"))
	require.NoError(t, err)
	second, err := l.CreateLoan(ctx, "owner-1", loanRequest("123", "200", "5", 2, "2024-06-01"))
	require.NoError(t, err)

	assert.Equal(t, first.Client.ID, second.Client.ID)
	assert.Len(t, s.clients, 1)
	assert.Len(t, s.loans, 2)
}

func TestCreateLoan_ExactTotal(t *testing.T) {
	l, _ := newTestLedger(WithExactTotal(true))

	details, err := l.CreateLoan(context.Background(), "owner-1", loanRequest("1", "100", "0", 3, "2024-06-01"))
	require.NoError(t, err)
	assert.True(t, details.Installments[2].Amount.Equal(decimal.RequireFromString("33.34")))

	l, _ = newTestLedger()
	details, err = l.CreateLoan(context.Background(), "owner-1", loanRequest("1", "100", "0", 3, "2024-06-01"))
	require.NoError(t, err)
	assert.True(t, details.Installments[2].Amount.Equal(decimal.RequireFromString("33.33")))
}

func TestCreateLoan_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateLoanRequest)
	}{
		{name: "zero principal", mutate: func(r *CreateLoanRequest) { r.OriginalAmount = decimal.Zero }},
		{name: "negative principal", mutate: func(r *CreateLoanRequest) { r.OriginalAmount = decimal.NewFromInt(-5) }},
		{name: "negative rate", mutate: func(r *CreateLoanRequest) { r.InterestRate = decimal.NewFromInt(-1) }},
		{name: "rate above hundred", mutate: func(r *CreateLoanRequest) { r.InterestRate = decimal.RequireFromString("100.01") }},
		{name: "rate a hair above hundred", mutate: func(r *CreateLoanRequest) {
			r.InterestRate = decimal.RequireFromString("100.0000000000000001")
		}},
		{name: "rate a hair below zero", mutate: func(r *CreateLoanRequest) {
			r.InterestRate = decimal.RequireFromString("-0.0000000000000001")
		}},
		{name: "principal rounds to zero", mutate: func(r *CreateLoanRequest) { r.OriginalAmount = decimal.RequireFromString("0.004") }},
		{name: "zero installments", mutate: func(r *CreateLoanRequest) { r.InstallmentsCount = 0 }},
		{name: "too many installments", mutate: func(r *CreateLoanRequest) { r.InstallmentsCount = 49 }},
		{name: "missing due date", mutate: func(r *CreateLoanRequest) { r.FirstDueDate = "" }},
		{name: "malformed due date", mutate: func(r *CreateLoanRequest) { r.FirstDueDate = "31/01/2024" }},
		{name: "missing name", mutate: func(r *CreateLoanRequest) { r.Client.FullName = "" }},
		{name: "missing national id", mutate: func(r *CreateLoanRequest) { r.Client.NationalID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, s := newTestLedger()
			req := loanRequest("123", "1000", "10", 3, "2024-06-01")
			tt.mutate(&req)

			_, err := l.CreateLoan(context.Background(), "owner-1", req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Empty(t, s.loans)
			assert.Empty(t, s.clients)
		})
	}
}

func TestCreateLoan_BoundaryValuesAccepted(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.CreateLoan(ctx, "owner-1", loanRequest("1", "0.01", "0", 1, "2024-06-01"))
	assert.NoError(t, err)
	_, err = l.CreateLoan(ctx, "owner-1", loanRequest("2", "500", "100", 48, "2024-06-01"))
	assert.NoError(t, err)

	details, err := l.CreateLoan(ctx, "owner-1", loanRequest("3", "0.005", "0", 1, "2024-06-01"))
	require.NoError(t, err)
	assert.True(t, details.Loan.Amount.Equal(decimal.RequireFromString("0.01")), "got %s", details.Loan.Amount)
}

func TestCreateLoan_StoreFailure(t *testing.T) {
	l, s := newTestLedger()
	s.failCreate = fmt.Errorf("disk full")

	_, err := l.CreateLoan(context.Background(), "owner-1", loanRequest("1", "100", "0", 2, "2024-06-01"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, s.loans)
	assert.Empty(t, s.clients)

	clients, err := l.ListClients(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestPayInstallment(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	details, err := l.CreateLoan(ctx, "owner-1", loanRequest("1", "100", "0", 2, "2024-05-10"))
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOnTime, details.Status, "installment due today is not overdue")

	inst, err := l.PayInstallment(ctx, "owner-1", details.Loan.ID, 1)
	require.NoError(t, err)
	assert.True(t, inst.Paid)
	require.NotNil(t, inst.PaidAt)
	assert.True(t, fixedNow.Equal(*inst.PaidAt))

	_, err = l.PayInstallment(ctx, "owner-1", details.Loan.ID, 1)
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)

	_, err = l.PayInstallment(ctx, "owner-2", details.Loan.ID, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = l.PayInstallment(ctx, "owner-1", details.Loan.ID, 2)
	require.NoError(t, err)

	got, err := l.GetLoan(ctx, "owner-1", details.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPaidOff, got.Status)
	assert.Equal(t, 2, got.Summary.PaidInstallments)
}

func TestClientStatuses(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	// Overdue loan plus a paid off loan for the same client.
	overdue, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 1, "2024-04-01"))
	require.NoError(t, err)
	paid, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 1, "2024-06-01"))
	require.NoError(t, err)
	_, err = l.PayInstallment(ctx, "owner-1", paid.Loan.ID, 1)
	require.NoError(t, err)

	// Client with everything paid.
	settled, err := l.CreateLoan(ctx, "owner-1", loanRequest("B", "100", "0", 1, "2024-04-01"))
	require.NoError(t, err)
	_, err = l.PayInstallment(ctx, "owner-1", settled.Loan.ID, 1)
	require.NoError(t, err)

	// Client with a future installment.
	_, err = l.CreateLoan(ctx, "owner-1", loanRequest("C", "100", "0", 1, "2024-07-01"))
	require.NoError(t, err)

	clients, err := l.ListClients(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, clients, 3)

	byNationalID := make(map[string]models.ClientOverview)
	for _, c := range clients {
		byNationalID[c.Client.NationalID] = c
	}
	assert.Equal(t, models.ClientStatusOverdue, byNationalID["A"].Status)
	assert.Equal(t, 2, byNationalID["A"].LoanCount)
	assert.Equal(t, models.ClientStatusPaidOff, byNationalID["B"].Status)
	assert.Equal(t, models.ClientStatusOnTime, byNationalID["C"].Status)

	details, err := l.GetClient(ctx, "owner-1", overdue.Client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClientStatusOverdue, details.Status)
	assert.Len(t, details.Loans, 2)
}

func TestDeleteLoan(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	first, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 1, "2024-06-01"))
	require.NoError(t, err)
	second, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 1, "2024-06-01"))
	require.NoError(t, err)

	clientDeleted, err := l.DeleteLoan(ctx, "owner-1", first.Loan.ID, true)
	require.NoError(t, err)
	assert.False(t, clientDeleted, "client still holds a loan")
	assert.Len(t, s.clients, 1)

	clientDeleted, err = l.DeleteLoan(ctx, "owner-1", second.Loan.ID, true)
	require.NoError(t, err)
	assert.True(t, clientDeleted)
	assert.Empty(t, s.clients)
	assert.Empty(t, s.installments)

	_, err = l.DeleteLoan(ctx, "owner-1", second.Loan.ID, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteLoan_KeepsClientByDefault(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	only, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 1, "2024-06-01"))
	require.NoError(t, err)

	clientDeleted, err := l.DeleteLoan(ctx, "owner-1", only.Loan.ID, false)
	require.NoError(t, err)
	assert.False(t, clientDeleted)
	assert.Len(t, s.clients, 1)

	clients, err := l.ListClients(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, models.ClientStatusNoLoans, clients[0].Status)
}

func TestDeleteClient(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	d, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "100", "0", 2, "2024-06-01"))
	require.NoError(t, err)

	assert.ErrorIs(t, l.DeleteClient(ctx, "owner-2", d.Client.ID), store.ErrNotFound)
	require.NoError(t, l.DeleteClient(ctx, "owner-1", d.Client.ID))
	assert.Empty(t, s.loans)
	assert.Empty(t, s.installments)
}

func TestOverdueReportAndDashboard(t *testing.T) {
	l, s := newTestLedger()
	ctx := context.Background()

	// A: two overdue installments of 50, one future.
	a, err := l.CreateLoan(ctx, "owner-1", loanRequest("A", "150", "0", 3, "2024-03-15"))
	require.NoError(t, err)
	// B: one overdue installment of 30.
	_, err = l.CreateLoan(ctx, "owner-1", loanRequest("B", "30", "0", 1, "2024-05-09"))
	require.NoError(t, err)
	// Another owner's overdue loan must not leak in.
	_, err = l.CreateLoan(ctx, "owner-2", loanRequest("Z", "999", "0", 1, "2024-01-01"))
	require.NoError(t, err)

	report, err := l.OverdueReport(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, a.Client.ID, report[0].ClientID)
	assert.Equal(t, 2, report[0].Count)
	assert.True(t, report[0].Total.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, report[1].Count)
	assert.True(t, report[1].Total.Equal(decimal.NewFromInt(30)))

	all, err := l.OverdueReport(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	s.clientLists, s.loanLists = 0, 0
	dash, err := l.Dashboard(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.clientLists, "clients are listed once per dashboard")
	assert.Equal(t, 1, s.loanLists, "loans are listed once per dashboard")
	assert.Equal(t, 2, dash.ClientsByStatus[models.ClientStatusOverdue])
	assert.Equal(t, 2, dash.LoansByStatus[models.LoanStatusOverdue])
	assert.Equal(t, 3, dash.OverdueInstallments)
	assert.True(t, dash.OverdueAmount.Equal(decimal.NewFromInt(130)))
	assert.True(t, dash.PrincipalLent.Equal(decimal.NewFromInt(180)))
	assert.True(t, dash.TotalReceivable.Equal(decimal.NewFromInt(180)))
	assert.True(t, dash.TotalReceived.IsZero())
}
