package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// TokenService manages bearer credentials: operator-driven issue, revoke and
// list, plus request-path validation.
type TokenService struct {
	Tokens domain.TokenRepository
}

// NewTokenService constructs a TokenService.
func NewTokenService(r domain.TokenRepository) TokenService {
	return TokenService{Tokens: r}
}

// Issue activates a new token for the user; the repository deactivates any
// prior active ones in the same transaction. The plaintext is supplied by
// the operator and only its fingerprint is stored. ttlDays outside
// (0, MaxTokenTTLDays] selects the cap.
func (s TokenService) Issue(ctx domain.Context, userID, plaintext string, ttlDays int, isAdmin bool) (domain.Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Token{}, fmt.Errorf("%w: user_id required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(plaintext) == "" {
		return domain.Token{}, fmt.Errorf("%w: token required", domain.ErrInvalidArgument)
	}
	if ttlDays <= 0 || ttlDays > domain.MaxTokenTTLDays {
		ttlDays = domain.MaxTokenTTLDays
	}

	now := time.Now().UTC()
	t := domain.Token{
		Fingerprint: domain.Fingerprint(plaintext),
		UserID:      userID,
		IsAdmin:     isAdmin,
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, ttlDays),
	}
	if err := s.Tokens.Issue(ctx, t); err != nil {
		return domain.Token{}, err
	}
	slog.Info("token issued",
		slog.String("user_id", userID),
		slog.Bool("is_admin", isAdmin),
		slog.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// Revoke deactivates the token with the given plaintext.
func (s TokenService) Revoke(ctx domain.Context, plaintext string) error {
	return s.Tokens.Deactivate(ctx, domain.Fingerprint(plaintext))
}

// Validate resolves a plaintext bearer token to the identity it carries.
// Unknown, revoked and expired tokens are indistinguishable to the caller.
func (s TokenService) Validate(ctx domain.Context, plaintext string) (domain.Identity, error) {
	t, err := s.Tokens.Get(ctx, domain.Fingerprint(plaintext))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, fmt.Errorf("%w: Invalid or expired token", domain.ErrUnauthorized)
		}
		return domain.Identity{}, err
	}
	if !t.ValidAt(time.Now().UTC()) {
		return domain.Identity{}, fmt.Errorf("%w: Invalid or expired token", domain.ErrUnauthorized)
	}
	return domain.Identity{UserID: t.UserID, IsAdmin: t.IsAdmin}, nil
}

// List returns all token rows, newest first, for the operator CLI.
func (s TokenService) List(ctx domain.Context) ([]domain.Token, error) {
	return s.Tokens.List(ctx)
}
