package localstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heartreel/heartreel/site"
)

// Keys under which each adapter stores its value.
const (
	PlanKey   = "subscription_plan"
	UnlockKey = "unlocked_sites"
	TokenKey  = "auth_session"
)

func loadJSON(s Store, key string, v any) (bool, error) {
	raw, err := s.Get(key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(key, raw)
}

// PlanCache mirrors the last fetched subscription plan so the next start
// can show it before the network answers.
type PlanCache struct {
	store Store
}

func NewPlanCache(s Store) *PlanCache {
	return &PlanCache{store: s}
}

// Load returns the cached plan, or nil when none is cached.
func (c *PlanCache) Load() (*site.Plan, error) {
	var p site.Plan
	ok, err := loadJSON(c.store, PlanKey, &p)
	if !ok {
		return nil, err
	}
	return &p, nil
}

func (c *PlanCache) Save(p site.Plan) error {
	return saveJSON(c.store, PlanKey, p)
}

func (c *PlanCache) Clear() error {
	return c.store.Delete(PlanKey)
}

// UnlockStorage persists the ordered list of unlocked site IDs.
type UnlockStorage struct {
	store Store
}

func NewUnlockStorage(s Store) *UnlockStorage {
	return &UnlockStorage{store: s}
}

func (u *UnlockStorage) Load() ([]string, error) {
	var ids []string
	_, err := loadJSON(u.store, UnlockKey, &ids)
	return ids, err
}

func (u *UnlockStorage) Save(ids []string) error {
	return saveJSON(u.store, UnlockKey, ids)
}

// Token is a persisted access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore persists the access token between runs.
type TokenStore struct {
	store Store
	now   func() time.Time
}

func NewTokenStore(s Store) *TokenStore {
	return &TokenStore{store: s, now: time.Now}
}

// Load returns the stored token, or nil when none is stored or it has
// expired. Expired tokens are removed.
func (t *TokenStore) Load() (*Token, error) {
	var tok Token
	ok, err := loadJSON(t.store, TokenKey, &tok)
	if !ok {
		return nil, err
	}
	if tok.AccessToken == "" || !t.now().Before(tok.ExpiresAt) {
		return nil, t.Clear()
	}
	return &tok, nil
}

func (t *TokenStore) Save(tok Token) error {
	return saveJSON(t.store, TokenKey, tok)
}

func (t *TokenStore) Clear() error {
	return t.store.Delete(TokenKey)
}
