package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// dateLayout is the storage format for calendar dates (due dates).
const dateLayout = "2006-01-02"

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dataSourceName and
// initializes the schema. Foreign keys, WAL mode and immediate write locks are
// enabled through the DSN so every pooled connection gets them.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(dataSourceName); dataSourceName != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
	}

	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("database connection established and schema initialized", zap.String("path", dataSourceName))
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		national_id TEXT NOT NULL,
		secondary_id TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(owner_id, national_id)
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		installments_count INTEGER NOT NULL,
		first_due_date TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(client_id) REFERENCES clients(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		paid_at DATETIME,
		UNIQUE(loan_id, installment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS verification_tokens (
		token TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		photo_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_loans_client ON loans(client_id);
	CREATE INDEX IF NOT EXISTS idx_installments_unpaid ON installments(paid, due_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

const clientColumns = `id, owner_id, full_name, address, national_id, secondary_id, phone, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var client models.Client
	var idStr string
	if err := row.Scan(&idStr, &client.OwnerID, &client.FullName, &client.Address, &client.NationalID, &client.SecondaryID, &client.Phone, &client.CreatedAt); err != nil {
		return nil, err
	}
	client.ID = uuid.MustParse(idStr)
	return &client, nil
}

// findOrCreateClient returns the owner's client with the same national ID, or
// inserts client when there is none.
func findOrCreateClient(ctx context.Context, tx *sql.Tx, client *models.Client) (*models.Client, error) {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, national_id) DO NOTHING`,
		client.ID.String(), client.OwnerID, client.FullName, client.Address, client.NationalID, client.SecondaryID, client.Phone, client.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE owner_id = ? AND national_id = ?`, client.OwnerID, client.NationalID)
	found, err := scanClient(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return found, nil
}

// GetClient retrieves one of the owner's clients.
func (s *SQLiteStore) GetClient(ctx context.Context, ownerID string, id uuid.UUID) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ? AND owner_id = ?`, id.String(), ownerID)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients retrieves all of the owner's clients ordered by name.
func (s *SQLiteStore) ListClients(ctx context.Context, ownerID string) ([]*models.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE owner_id = ? ORDER BY full_name ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return clients, nil
}

// DeleteClient removes a client with its loans, installments and verification
// tokens within a transaction.
func (s *SQLiteStore) DeleteClient(ctx context.Context, ownerID string, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients WHERE id = ? AND owner_id = ?`, id.String(), ownerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up client: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}

	loanIDs := `SELECT id FROM loans WHERE client_id = ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM verification_tokens WHERE loan_id IN (`+loanIDs+`)`, id.String()); err != nil {
		return fmt.Errorf("failed to delete verification tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM installments WHERE loan_id IN (`+loanIDs+`)`, id.String()); err != nil {
		return fmt.Errorf("failed to delete installments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE client_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete loans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	return tx.Commit()
}

// CreateLoan resolves the client and inserts the loan and every installment in
// a single transaction.
func (s *SQLiteStore) CreateLoan(ctx context.Context, client *models.Client, loan *models.Loan, installments []models.Installment) (*models.Client, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	resolved, err := findOrCreateClient(ctx, tx, client)
	if err != nil {
		return nil, err
	}
	loan.ClientID = resolved.ID

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loans (id, client_id, original_amount, interest_rate, amount, installments_count, first_due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.ClientID.String(), loan.OriginalAmount, loan.InterestRate, loan.Amount, loan.InstallmentsCount, loan.FirstDueDate.Format(dateLayout), loan.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO installments (id, loan_id, installment_number, amount, due_date, paid, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	for i := range installments {
		inst := &installments[i]
		if inst.ID == uuid.Nil {
			inst.ID = uuid.New()
		}
		inst.LoanID = loan.ID
		if _, err := stmt.ExecContext(ctx, inst.ID.String(), loan.ID.String(), inst.InstallmentNumber, inst.Amount, inst.DueDate.Format(dateLayout), inst.Paid, inst.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to create installment %d: %w", inst.InstallmentNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit loan: %w", err)
	}
	return resolved, nil
}

const loanColumns = `l.id, l.client_id, l.original_amount, l.interest_rate, l.amount, l.installments_count, l.first_due_date, l.created_at`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, clientIDStr, firstDue string
	if err := row.Scan(&idStr, &clientIDStr, &loan.OriginalAmount, &loan.InterestRate, &loan.Amount, &loan.InstallmentsCount, &firstDue, &loan.CreatedAt); err != nil {
		return nil, err
	}
	due, err := time.Parse(dateLayout, firstDue)
	if err != nil {
		return nil, fmt.Errorf("invalid first due date %q: %w", firstDue, err)
	}
	loan.ID = uuid.MustParse(idStr)
	loan.ClientID = uuid.MustParse(clientIDStr)
	loan.FirstDueDate = due
	return &loan, nil
}

// GetLoan retrieves one of the owner's loans by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, ownerID string, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE l.id = ? AND c.owner_id = ?`, id.String(), ownerID)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans retrieves all of the owner's loans, newest first.
func (s *SQLiteStore) ListLoans(ctx context.Context, ownerID string) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE c.owner_id = ? ORDER BY l.created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()
	return s.scanLoans(rows)
}

// ListLoansForClient retrieves the loans of one of the owner's clients.
func (s *SQLiteStore) ListLoansForClient(ctx context.Context, ownerID string, clientID uuid.UUID) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE c.owner_id = ? AND l.client_id = ? ORDER BY l.created_at DESC`, ownerID, clientID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for client %s: %w", clientID, err)
	}
	defer rows.Close()
	return s.scanLoans(rows)
}

func (s *SQLiteStore) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// DeleteLoan removes a loan with its installments and verification tokens
// within a transaction. With dropOrphanClient set, the loan's client is removed
// as well when no other loan references it at commit time.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, ownerID string, id uuid.UUID, dropOrphanClient bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var clientID string
	err = tx.QueryRowContext(ctx,
		`SELECT l.client_id FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE l.id = ? AND c.owner_id = ?`, id.String(), ownerID).Scan(&clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("failed to look up loan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM verification_tokens WHERE loan_id = ?`, id.String()); err != nil {
		return false, fmt.Errorf("failed to delete verification tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM installments WHERE loan_id = ?`, id.String()); err != nil {
		return false, fmt.Errorf("failed to delete associated installments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String()); err != nil {
		return false, fmt.Errorf("failed to delete loan: %w", err)
	}

	clientDeleted := false
	if dropOrphanClient {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM clients WHERE id = ? AND NOT EXISTS (SELECT 1 FROM loans WHERE client_id = ?)`, clientID, clientID)
		if err != nil {
			return false, fmt.Errorf("failed to delete orphan client: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to check rows affected: %w", err)
		}
		clientDeleted = n > 0
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit loan deletion: %w", err)
	}
	return clientDeleted, nil
}

const installmentColumns = `id, loan_id, installment_number, amount, due_date, paid, paid_at`

func scanInstallment(row rowScanner) (models.Installment, error) {
	var inst models.Installment
	var idStr, loanIDStr, due string
	var paidAt sql.NullTime
	if err := row.Scan(&idStr, &loanIDStr, &inst.InstallmentNumber, &inst.Amount, &due, &inst.Paid, &paidAt); err != nil {
		return inst, err
	}
	dueDate, err := time.Parse(dateLayout, due)
	if err != nil {
		return inst, fmt.Errorf("invalid due date %q: %w", due, err)
	}
	inst.ID = uuid.MustParse(idStr)
	inst.LoanID = uuid.MustParse(loanIDStr)
	inst.DueDate = dueDate
	if paidAt.Valid {
		inst.PaidAt = &paidAt.Time
	}
	return inst, nil
}

// GetInstallments retrieves a loan's installments in installment order.
func (s *SQLiteStore) GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY installment_number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return installments, nil
}

// MarkInstallmentPaid flips an unpaid installment to paid and stamps paid_at.
// The update only matches an unpaid row, so paid_at is written exactly once.
func (s *SQLiteStore) MarkInstallmentPaid(ctx context.Context, loanID uuid.UUID, number int, paidAt time.Time) (*models.Installment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? AND installment_number = ?`, loanID.String(), number)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("installment %d of loan %s: %w", number, loanID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE installments SET paid = 1, paid_at = ? WHERE id = ? AND paid = 0`, paidAt, inst.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to update installment: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if updated == 0 || !inst.MarkPaid(paidAt) {
		return nil, fmt.Errorf("installment %d of loan %s: %w", number, loanID, ErrAlreadyPaid)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit installment payment: %w", err)
	}
	return &inst, nil
}

// ListUnpaidInstallments returns unpaid installments with the owning client,
// ordered by due date.
func (s *SQLiteStore) ListUnpaidInstallments(ctx context.Context, ownerID string) ([]models.UnpaidInstallment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.full_name, i.id, i.loan_id, i.installment_number, i.amount, i.due_date, i.paid, i.paid_at
		FROM installments i
		JOIN loans l ON l.id = i.loan_id
		JOIN clients c ON c.id = l.client_id
		WHERE i.paid = 0 AND (? = '' OR c.owner_id = ?)
		ORDER BY i.due_date ASC, i.installment_number ASC`, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid installments: %w", err)
	}
	defer rows.Close()

	var unpaid []models.UnpaidInstallment
	for rows.Next() {
		var u models.UnpaidInstallment
		var clientIDStr, idStr, loanIDStr, due string
		var paidAt sql.NullTime
		if err := rows.Scan(&clientIDStr, &u.ClientName, &idStr, &loanIDStr, &u.Installment.InstallmentNumber, &u.Installment.Amount, &due, &u.Installment.Paid, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan unpaid installment row: %w", err)
		}
		dueDate, err := time.Parse(dateLayout, due)
		if err != nil {
			return nil, fmt.Errorf("invalid due date %q: %w", due, err)
		}
		u.ClientID = uuid.MustParse(clientIDStr)
		u.Installment.ID = uuid.MustParse(idStr)
		u.Installment.LoanID = uuid.MustParse(loanIDStr)
		u.Installment.DueDate = dueDate
		unpaid = append(unpaid, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return unpaid, nil
}

// CreateVerificationToken inserts a new verification token.
func (s *SQLiteStore) CreateVerificationToken(ctx context.Context, token *models.VerificationToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_tokens (token, loan_id, status, photo_url, created_at, expires_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.LoanID.String(), token.Status, token.PhotoURL, token.CreatedAt, token.ExpiresAt, token.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	return nil
}

// GetVerificationToken retrieves a verification token by its value.
func (s *SQLiteStore) GetVerificationToken(ctx context.Context, token string) (*models.VerificationToken, error) {
	var vt models.VerificationToken
	var loanIDStr string
	var completedAt sql.NullTime

	row := s.db.QueryRowContext(ctx,
		`SELECT token, loan_id, status, photo_url, created_at, expires_at, completed_at
		FROM verification_tokens WHERE token = ?`, token)
	err := row.Scan(&vt.Token, &loanIDStr, &vt.Status, &vt.PhotoURL, &vt.CreatedAt, &vt.ExpiresAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verification token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}
	vt.LoanID = uuid.MustParse(loanIDStr)
	if completedAt.Valid {
		vt.CompletedAt = &completedAt.Time
	}
	return &vt, nil
}

// CompleteVerificationToken records the photo on a pending token. Only one
// completion is ever accepted.
func (s *SQLiteStore) CompleteVerificationToken(ctx context.Context, token, photoURL string, completedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE verification_tokens SET status = ?, photo_url = ?, completed_at = ?
		WHERE token = ? AND status = ?`,
		models.VerificationStatusCompleted, photoURL, completedAt, token, models.VerificationStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to complete verification token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetVerificationToken(ctx, token); err != nil {
			return err
		}
		return ErrTokenNotPending
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
