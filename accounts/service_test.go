package accounts

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/storage/memory"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no email sent")
	body := m.sent[len(m.sent)-1].Text
	i := strings.Index(body, "http")
	require.GreaterOrEqual(t, i, 0)
	link := strings.Fields(body[i:])[0]
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func fastKDF() util.Argon2idParams {
	return util.Argon2idParams{
		Time:        util.MinArgon2Time,
		MemoryKiB:   util.MinArgon2MemoryKiB,
		Parallelism: util.MinArgon2Parallel,
		KeyLen:      32,
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingMailer) {
	t.Helper()
	mailer := &recordingMailer{}
	base := []Option{
		WithKDFParams(fastKDF()),
		WithMailer(mailer),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithResetURL("https://heartreel.test/reset-password"),
	}
	return NewService(memory.NewRepository(), append(base, opts...)...), mailer
}

func TestService_SignUpAndAuthenticate(t *testing.T) {
	ctx := t.Context()
	svc, _ := newTestService(t)

	first, err := svc.SignUp(ctx, "  Juliet@Verona.IT", "balcony-123")
	require.NoError(t, err)
	assert.Equal(t, "juliet@verona.it", first.Email)
	assert.Equal(t, RoleAdmin, first.Role, "first account becomes admin")
	assert.Equal(t, site.PlanFree, first.Plan)

	second, err := svc.SignUp(ctx, "romeo@verona.it", "poison-456")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, second.Role)

	got, err := svc.Authenticate(ctx, "JULIET@verona.it", "balcony-123")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = svc.Authenticate(ctx, "juliet@verona.it", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody@verona.it", "balcony-123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_SignUpValidation(t *testing.T) {
	ctx := t.Context()
	svc, _ := newTestService(t)

	_, err := svc.SignUp(ctx, "not-an-email", "long-enough")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = svc.SignUp(ctx, "Name <a@b.co>", "long-enough")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = svc.SignUp(ctx, "a@b.co", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.SignUp(ctx, "a@b.co", "long-enough")
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, "A@B.CO", "long-enough")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestService_ConcurrentSignUpSingleAdmin(t *testing.T) {
	ctx := t.Context()
	svc, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SignUp(ctx, "user"+string(rune('a'+i))+"@example.com", "password-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	users, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 5)
	admins := 0
	for _, u := range users {
		if u.IsAdmin() {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
}

func TestService_PlanAndRole(t *testing.T) {
	ctx := t.Context()
	svc, _ := newTestService(t)
	u, err := svc.SignUp(ctx, "a@b.co", "password-1")
	require.NoError(t, err)

	plan, err := svc.Plan(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, site.FreePlan(), plan)

	updated, err := svc.SetPlan(ctx, u.ID, site.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, site.PlanPremium, updated.Plan)
	plan, err = svc.Plan(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, plan.Features.PrivateSites)

	_, err = svc.SetPlan(ctx, u.ID, "platinum")
	_, ok := errors.AsType[*site.ValidationError](err)
	assert.True(t, ok)

	demoted, err := svc.SetRole(ctx, u.ID, RoleUser)
	require.NoError(t, err)
	assert.False(t, demoted.IsAdmin())

	_, err = svc.SetPlan(ctx, "missing", site.PlanPremium)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestService_PasswordReset(t *testing.T) {
	ctx := t.Context()
	now := time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
	svc, mailer := newTestService(t, WithClock(func() time.Time { return now }))

	u, err := svc.SignUp(ctx, "juliet@verona.it", "balcony-123")
	require.NoError(t, err)

	require.NoError(t, svc.RequestPasswordReset(ctx, "nobody@verona.it"), "unknown email succeeds silently")
	assert.Empty(t, mailer.sent)

	require.NoError(t, svc.RequestPasswordReset(ctx, "Juliet@Verona.it"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "juliet@verona.it", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Text, "https://heartreel.test/reset-password?token=")
	token := mailer.lastToken(t)

	_, err = svc.CompletePasswordReset(ctx, token, "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	got, err := svc.CompletePasswordReset(ctx, token, "new-balcony-456")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Authenticate(ctx, "juliet@verona.it", "balcony-123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "juliet@verona.it", "new-balcony-456")
	assert.NoError(t, err)

	_, err = svc.CompletePasswordReset(ctx, token, "another-pass-789")
	assert.ErrorIs(t, err, ErrInvalidResetToken, "tokens are single use")

	t.Run("Expired", func(t *testing.T) {
		require.NoError(t, svc.RequestPasswordReset(ctx, "juliet@verona.it"))
		token := mailer.lastToken(t)
		now = now.Add(2 * time.Hour)
		_, err := svc.CompletePasswordReset(ctx, token, "too-late-123")
		assert.ErrorIs(t, err, ErrInvalidResetToken)
	})

	t.Run("MailerFailure", func(t *testing.T) {
		mailer.err = errors.New("smtp down")
		defer func() { mailer.err = nil }()
		assert.Error(t, svc.RequestPasswordReset(ctx, "juliet@verona.it"))
	})
}

func TestLogMailer(t *testing.T) {
	var buf strings.Builder
	m := NewLogMailer(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, m.Send(t.Context(), passwordResetMessage("a@b.co", "https://x.test/reset", "tok")))
	assert.Contains(t, buf.String(), "a@b.co")
	assert.Contains(t, buf.String(), "token=tok")
}
