// Package verification runs the token-linked identity check: a lender sends
// the borrower a one-time link over WhatsApp and the borrower submits a photo
// through it.
package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/store"
	"go.uber.org/zap"
)

var (
	ErrTokenExpired = errors.New("verification token expired")
	ErrTokenUsed    = errors.New("verification token already used")
	ErrMissingPhoto = errors.New("photo_url is required")
)

// TokenStore is the slice of storage the verification flow needs.
type TokenStore interface {
	GetLoan(ctx context.Context, ownerID string, id uuid.UUID) (*models.Loan, error)
	GetClient(ctx context.Context, ownerID string, id uuid.UUID) (*models.Client, error)
	CreateVerificationToken(ctx context.Context, token *models.VerificationToken) error
	GetVerificationToken(ctx context.Context, token string) (*models.VerificationToken, error)
	CompleteVerificationToken(ctx context.Context, token, photoURL string, completedAt time.Time) error
}

// Service issues and redeems verification tokens.
type Service struct {
	storage TokenStore
	logger  *zap.Logger
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// Issued is a freshly created token with the links to share it.
type Issued struct {
	Token        models.VerificationToken `json:"token"`
	VerifyURL    string                   `json:"verify_url"`
	WhatsAppLink string                   `json:"whatsapp_link"`
}

// Check is the public view of a token.
type Check struct {
	Status models.VerificationStatus `json:"status"`
	Valid  bool                      `json:"valid"`
}

func NewService(s TokenStore, logger *zap.Logger, ttl time.Duration, baseURL string, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		storage: s,
		logger:  logger,
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     now,
	}
}

// Issue creates a pending token for one of the owner's loans.
func (s *Service) Issue(ctx context.Context, ownerID string, loanID uuid.UUID) (*Issued, error) {
	loan, err := s.storage.GetLoan(ctx, ownerID, loanID)
	if err != nil {
		return nil, err
	}
	client, err := s.storage.GetClient(ctx, ownerID, loan.ClientID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	token := models.VerificationToken{
		Token:     newToken(),
		LoanID:    loan.ID,
		Status:    models.VerificationStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.storage.CreateVerificationToken(ctx, &token); err != nil {
		return nil, err
	}

	verifyURL := s.baseURL + "/verify/" + token.Token
	s.logger.Info("verification token issued",
		zap.String("owner_id", ownerID),
		zap.String("loan_id", loan.ID.String()),
		zap.Time("expires_at", token.ExpiresAt))

	return &Issued{
		Token:        token,
		VerifyURL:    verifyURL,
		WhatsAppLink: WhatsAppLink(client.Phone, fmt.Sprintf("Olá %s, confirme sua identidade enviando uma foto: %s", client.FullName, verifyURL)),
	}, nil
}

// Check reports the token status and whether it still accepts a photo.
func (s *Service) Check(ctx context.Context, token string) (*Check, error) {
	vt, err := s.storage.GetVerificationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Check{Status: vt.Status, Valid: vt.IsValid(s.now())}, nil
}

// Submit records the photo for a pending, unexpired token.
func (s *Service) Submit(ctx context.Context, token, photoURL string) error {
	photoURL = strings.TrimSpace(photoURL)
	if photoURL == "" {
		return ErrMissingPhoto
	}
	if u, err := url.Parse(photoURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: not an absolute URL", ErrMissingPhoto)
	}

	vt, err := s.storage.GetVerificationToken(ctx, token)
	if err != nil {
		return err
	}
	now := s.now()
	if vt.Status != models.VerificationStatusPending {
		return ErrTokenUsed
	}
	if !vt.IsValid(now) {
		return ErrTokenExpired
	}

	if err := s.storage.CompleteVerificationToken(ctx, token, photoURL, now); err != nil {
		if errors.Is(err, store.ErrTokenNotPending) {
			return ErrTokenUsed
		}
		return err
	}
	s.logger.Info("verification completed", zap.String("loan_id", vt.LoanID.String()))
	return nil
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WhatsAppLink builds a wa.me share link. Non-digits are stripped from phone;
// without a phone the link lets the sender pick the contact.
func WhatsAppLink(phone, message string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	return "https://wa.me/" + digits + "?text=" + url.QueryEscape(message)
}
