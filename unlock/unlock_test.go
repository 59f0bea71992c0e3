package unlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartreel/heartreel/localstore"
	"github.com/heartreel/heartreel/site"
)

type fakeValidator struct {
	mu       sync.Mutex
	calls    int
	password string
	err      error
	block    chan struct{}
	entered  chan struct{}
}

func (v *fakeValidator) UnlockSite(ctx context.Context, siteID, password string) (*site.Site, error) {
	v.mu.Lock()
	v.calls++
	block, entered := v.block, v.entered
	v.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if v.err != nil {
		return nil, v.err
	}
	if password != v.password {
		return nil, nil
	}
	return &site.Site{ID: siteID, IsPrivate: true, Config: json.RawMessage(`{"letter":"yours"}`)}, nil
}

type failingStorage struct{}

func (failingStorage) Load() ([]string, error) { return nil, nil }
func (failingStorage) Save([]string) error     { return errors.New("disk full") }

func newCache(t *testing.T) (*Cache, *localstore.UnlockStorage) {
	t.Helper()
	st := localstore.NewUnlockStorage(localstore.NewMemoryStore())
	c, err := NewCache(st)
	require.NoError(t, err)
	return c, st
}

func TestCache(t *testing.T) {
	c, st := newCache(t)
	assert.False(t, c.Has("s1"))

	require.NoError(t, c.Add("s1"))
	require.NoError(t, c.Add("s2"))
	require.NoError(t, c.Add("s1"))
	require.NoError(t, c.Add(""))

	assert.True(t, c.Has("s1"))
	assert.Equal(t, []string{"s1", "s2"}, c.IDs())
	assert.Equal(t, 2, c.Len())

	saved, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, saved)

	t.Run("Restores", func(t *testing.T) {
		c2, err := NewCache(st)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, c2.IDs())
	})

	t.Run("IDsIsACopy", func(t *testing.T) {
		ids := c.IDs()
		ids[0] = "mutated"
		assert.True(t, c.Has("s1"))
	})
}

func TestCache_PersistFailureKeepsEntry(t *testing.T) {
	c, err := NewCache(failingStorage{})
	require.NoError(t, err)
	assert.Error(t, c.Add("s1"))
	assert.True(t, c.Has("s1"))
}

func TestCache_MemoryOnly(t *testing.T) {
	c, err := NewCache(nil)
	require.NoError(t, err)
	require.NoError(t, c.Add("s1"))
	assert.True(t, c.Has("s1"))
}

func TestFlow_Success(t *testing.T) {
	c, _ := newCache(t)
	v := &fakeValidator{password: "verona"}
	var hooked []string
	f := NewFlow(v, c, WithUnlockHook(func(id string) {
		assert.True(t, c.Has(id), "cache is updated before the hook runs")
		hooked = append(hooked, id)
	}))

	state, err := f.State()
	assert.Equal(t, StateIdle, state)
	assert.NoError(t, err)

	require.NoError(t, f.Submit(t.Context(), "s1", "verona"))
	state, err = f.State()
	assert.Equal(t, StateUnlocked, state)
	assert.NoError(t, err)
	assert.Equal(t, []string{"s1"}, hooked)

	got := c.Site("s1")
	require.NotNil(t, got, "unlocked content is kept")
	assert.JSONEq(t, `{"letter":"yours"}`, string(got.Config))
}

func TestFlow_EmptyPassword(t *testing.T) {
	c, _ := newCache(t)
	v := &fakeValidator{password: "verona"}
	f := NewFlow(v, c)

	err := f.Submit(t.Context(), "s1", "")
	assert.ErrorIs(t, err, ErrEmptyPassword)
	assert.Equal(t, "Please enter the password.", Message(err))
	assert.Zero(t, v.calls, "no remote call for an empty password")
	state, _ := f.State()
	assert.Equal(t, StateRejected, state)
}

func TestFlow_RejectedIsRetryable(t *testing.T) {
	c, _ := newCache(t)
	v := &fakeValidator{password: "verona"}
	f := NewFlow(v, c)

	err := f.Submit(t.Context(), "s1", "mantua")
	assert.ErrorIs(t, err, ErrIncorrectPassword)
	state, last := f.State()
	assert.Equal(t, StateRejected, state)
	assert.ErrorIs(t, last, ErrIncorrectPassword)
	assert.False(t, c.Has("s1"))

	require.NoError(t, f.Submit(t.Context(), "s1", "verona"))
	assert.True(t, c.Has("s1"))
}

func TestFlow_RemoteErrorIsGeneric(t *testing.T) {
	c, _ := newCache(t)
	v := &fakeValidator{err: errors.New("503 service unavailable")}
	f := NewFlow(v, c)

	err := f.Submit(t.Context(), "s1", "verona")
	assert.Equal(t, ErrIncorrectPassword, err)
	assert.NotContains(t, err.Error(), "503")
}

func TestFlow_Busy(t *testing.T) {
	c, _ := newCache(t)
	v := &fakeValidator{password: "verona", block: make(chan struct{}), entered: make(chan struct{})}
	f := NewFlow(v, c)

	done := make(chan error, 1)
	go func() { done <- f.Submit(context.Background(), "s1", "verona") }()
	<-v.entered

	state, _ := f.State()
	assert.Equal(t, StateValidating, state)
	assert.ErrorIs(t, f.Submit(t.Context(), "s1", "verona"), ErrBusy)

	f.Reset()
	state, _ = f.State()
	assert.Equal(t, StateValidating, state, "reset is ignored while validating")

	close(v.block)
	require.NoError(t, <-done)
	f.Reset()
	state, _ = f.State()
	assert.Equal(t, StateIdle, state)
}

func TestCache_RememberKeepsContent(t *testing.T) {
	c, st := newCache(t)
	assert.Nil(t, c.Site("s1"))
	require.NoError(t, c.Remember(&site.Site{ID: "s1", Title: "Secret", Config: json.RawMessage(`{}`)}))
	assert.True(t, c.Has("s1"))
	require.NotNil(t, c.Site("s1"))
	assert.Equal(t, "Secret", c.Site("s1").Title)
	require.NoError(t, c.Remember(nil))

	// Only IDs persist; content is not restored.
	c2, err := NewCache(st)
	require.NoError(t, err)
	assert.True(t, c2.Has("s1"))
	assert.Nil(t, c2.Site("s1"))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Incorrect password.", Message(ErrIncorrectPassword))
	assert.Equal(t, "A password check is already in progress.", Message(ErrBusy))
	assert.Equal(t, "Please enter the password.", Message(fmt.Errorf("submit: %w", ErrEmptyPassword)))
	assert.Equal(t, "other", Message(errors.New("other")))
	assert.Empty(t, Message(nil))
	for _, err := range []error{ErrEmptyPassword, ErrIncorrectPassword, ErrBusy} {
		msg := err.Error()
		assert.Equal(t, strings.ToLower(msg[:1]), msg[:1])
		assert.False(t, strings.HasSuffix(msg, "."))
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "validating", StateValidating.String())
	assert.Equal(t, "unknown", State(42).String())
}
