package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"time"

	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/internal/uuid"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/storage"
)

const (
	accountNamespace = "__accounts"

	recordTypeAccount = "ACCOUNT"
	recordTypeEmail   = "EMAIL"
	recordTypeReset   = "RESET"
	recordTypeMeta    = "META"
	metaAdminClaimed  = "admin_claimed"

	MinPasswordLength = 6
	MaxPasswordLength = 256
	resetTokenBytes   = 32
	defaultResetTTL   = time.Hour
)

// Service manages accounts stored in a storage.Repository.
type Service struct {
	repo      storage.Repository
	mailer    Mailer
	logger    *slog.Logger
	kdfParams util.Argon2idParams
	resetTTL  time.Duration
	resetURL  string
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMailer sets the mailer used for password-reset links.
// Default: a LogMailer on the service logger.
func WithMailer(m Mailer) Option {
	return func(s *Service) {
		s.mailer = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithKDFParams sets the Argon2id parameters for account passwords.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(s *Service) {
		s.kdfParams = p
	}
}

// WithResetURL sets the base URL of reset links; the token is appended as
// the "token" query parameter.
func WithResetURL(base string) Option {
	return func(s *Service) {
		s.resetURL = base
	}
}

// WithResetTTL sets how long a reset token stays valid. Default: one hour.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.resetTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a Service backed by repo.
func NewService(repo storage.Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		logger:    slog.Default(),
		kdfParams: util.DefaultArgon2idParams(),
		resetTTL:  defaultResetTTL,
		resetURL:  "http://localhost:8080/reset-password",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "accounts")
	if s.mailer == nil {
		s.mailer = NewLogMailer(s.logger)
	}
	return s
}

// SignUp creates an account. The first account ever created is an admin.
func (s *Service) SignUp(ctx context.Context, email, password string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := util.HashPassword(password, s.kdfParams)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	rec := &accountRecord{
		User: User{
			ID:        uuid.New(),
			Email:     email,
			Role:      RoleUser,
			Plan:      site.PlanFree,
			CreatedAt: s.now().UTC(),
		},
		Password: hash,
	}

	err = s.repo.Batch(accountNamespace, func(tx storage.BatchTx) error {
		idx, err := json.Marshal(emailIndex{UserID: rec.ID})
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordTypeEmail, email, 0, &storage.Record{Data: idx, Version: 1}); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrEmailTaken
			}
			return err
		}
		if err := tx.PutCAS(recordTypeMeta, metaAdminClaimed, 0, &storage.Record{Data: []byte(rec.ID), Version: 1}); err == nil {
			rec.Role = RoleAdmin
		} else if !errors.Is(err, storage.ErrCASFailed) {
			return err
		}
		return putAccount(tx, rec, 0)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created", "user_id", rec.ID, "role", rec.Role)
	return &rec.User, nil
}

// Authenticate checks email and password. Unknown emails and wrong
// passwords both return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := s.loadByEmail(util.NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := rec.Password.Verify(password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &rec.User, nil
}

// Get returns the account with the given id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return &rec.User, nil
}

// List returns every account ordered by creation time.
func (s *Service) List(ctx context.Context) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.repo.List(accountNamespace, recordTypeAccount)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		rec, _, err := s.load(id)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, &rec.User)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Plan returns the canonical plan for the account.
func (s *Service) Plan(ctx context.Context, id string) (site.Plan, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return site.Plan{}, err
	}
	return site.PlanFor(u.Plan)
}

// SetPlan changes an account's subscription plan.
func (s *Service) SetPlan(ctx context.Context, id string, plan site.PlanType) (*User, error) {
	if _, err := site.PlanFor(plan); err != nil {
		return nil, &site.ValidationError{Field: "plan", Message: err.Error()}
	}
	return s.update(ctx, id, func(rec *accountRecord) error {
		rec.Plan = plan
		return nil
	})
}

// SetRole changes an account's role.
func (s *Service) SetRole(ctx context.Context, id string, role Role) (*User, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, &site.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	return s.update(ctx, id, func(rec *accountRecord) error {
		rec.Role = role
		return nil
	})
}

// RequestPasswordReset mails a one-time reset link. Unknown emails succeed
// silently so the endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	rec, _, err := s.loadByEmail(email)
	if errors.Is(err, ErrUserNotFound) {
		s.logger.Debug("password reset for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	token, err := util.RandomToken(resetTokenBytes)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resetRecord{UserID: rec.ID, ExpiresAt: s.now().Add(s.resetTTL)})
	if err != nil {
		return err
	}
	if err := s.repo.Put(accountNamespace, recordTypeReset, hashToken(token), &storage.Record{Data: data, Version: 1}); err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, passwordResetMessage(rec.Email, s.resetURL, token)); err != nil {
		return fmt.Errorf("sending reset email: %w", err)
	}
	s.logger.Info("password reset requested", "user_id", rec.ID)
	return nil
}

// CompletePasswordReset consumes token and sets a new password.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}
	key := hashToken(token)
	r, err := s.repo.Get(accountNamespace, recordTypeReset, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidResetToken
	}
	if err != nil {
		return nil, err
	}
	// Single use even when the rest fails.
	if err := s.repo.Delete(accountNamespace, recordTypeReset, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidResetToken
		}
		return nil, err
	}
	var reset resetRecord
	if err := json.Unmarshal(r.Data, &reset); err != nil {
		return nil, fmt.Errorf("decoding reset token: %w", err)
	}
	if s.now().After(reset.ExpiresAt) {
		return nil, ErrInvalidResetToken
	}

	hash, err := util.HashPassword(newPassword, s.kdfParams)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return s.update(ctx, reset.UserID, func(rec *accountRecord) error {
		rec.Password = hash
		return nil
	})
}

func (s *Service) update(ctx context.Context, id string, mutate func(*accountRecord) error) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for range 5 {
		rec, version, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		err = s.repo.Batch(accountNamespace, func(tx storage.BatchTx) error {
			return putAccount(tx, rec, version)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &rec.User, nil
	}
	return nil, fmt.Errorf("updating account %s: %w", id, storage.ErrCASFailed)
}

func (s *Service) load(id string) (*accountRecord, uint64, error) {
	r, err := s.repo.Get(accountNamespace, recordTypeAccount, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var rec accountRecord
	if err := json.Unmarshal(r.Data, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding account: %w", err)
	}
	return &rec, r.Version, nil
}

func (s *Service) loadByEmail(email string) (*accountRecord, uint64, error) {
	r, err := s.repo.Get(accountNamespace, recordTypeEmail, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrUserNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var idx emailIndex
	if err := json.Unmarshal(r.Data, &idx); err != nil {
		return nil, 0, fmt.Errorf("decoding email index: %w", err)
	}
	return s.load(idx.UserID)
}

func putAccount(tx storage.BatchTx, rec *accountRecord, version uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.PutCAS(recordTypeAccount, rec.ID, version, &storage.Record{Data: data, Version: version + 1})
}

func normalizeEmail(email string) (string, error) {
	email = util.NormalizeEmail(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	if len(password) > MaxPasswordLength {
		return &site.ValidationError{Field: "password", Message: fmt.Sprintf("exceeds maximum length of %d", MaxPasswordLength)}
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
