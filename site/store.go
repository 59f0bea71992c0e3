package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/internal/uuid"
	"github.com/heartreel/heartreel/storage"
)

const (
	sitesNamespace     = "sites"
	analyticsNamespace = "__analytics"

	recordTypeSite  = "SITE"
	recordTypeSlug  = "SLUG"
	recordTypeView  = "VIEW"
	recordTypeCount = "COUNT"

	maxCASRetries = 5
	maxViewPath   = 512
)

// Store persists sites, their slug index and page-view analytics in a
// storage.Repository.
type Store struct {
	repo      storage.Repository
	kdfParams util.Argon2idParams
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKDFParams sets the Argon2id parameters used for site passwords.
// Default: the interactive profile.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(s *Store) {
		s.kdfParams = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository, opts ...Option) *Store {
	params, _ := util.Argon2idProfile(util.KDFProfileInteractive)
	s := &Store{repo: repo, kdfParams: params, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type slugIndex struct {
	SiteID string `json:"site_id"`
}

type viewCounter struct {
	Views        uint64    `json:"views"`
	LastViewedAt time.Time `json:"last_viewed_at"`
}

// Create validates in against plan and stores a new site owned by ownerID.
func (s *Store) Create(ctx context.Context, ownerID string, plan Plan, in CreateInput) (*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slug := NormalizeSlug(in.Slug)
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	if err := validateTitle(in.Title); err != nil {
		return nil, err
	}
	if err := validateConfig(in.Config); err != nil {
		return nil, err
	}

	owned, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !plan.AllowsSites(len(owned)) {
		return nil, fmt.Errorf("%s plan allows %d sites: %w", plan.Type, plan.Features.MaxSites, ErrPlanLimit)
	}

	now := s.now().UTC()
	rec := &siteRecord{Site: Site{
		ID:        uuid.New(),
		Slug:      slug,
		Title:     strings.TrimSpace(in.Title),
		OwnerID:   ownerID,
		IsPrivate: in.IsPrivate,
		Config:    in.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	if in.IsPrivate {
		if !plan.Features.PrivateSites {
			return nil, fmt.Errorf("private sites require a paid plan: %w", ErrPlanLimit)
		}
		if err := s.setPassword(rec, in.Password); err != nil {
			return nil, err
		}
	}

	err = s.repo.Batch(sitesNamespace, func(tx storage.BatchTx) error {
		if err := putSlugIndex(tx, slug, rec.ID); err != nil {
			return err
		}
		return putSiteRecord(tx, rec, 0)
	})
	if err != nil {
		return nil, err
	}
	return &rec.Site, nil
}

// Get returns the site with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return &rec.Site, nil
}

// GetBySlug returns the site registered under slug, including its privacy flag.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slug = NormalizeSlug(slug)
	r, err := s.repo.Get(sitesNamespace, recordTypeSlug, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("slug %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var idx slugIndex
	if err := json.Unmarshal(r.Data, &idx); err != nil {
		return nil, fmt.Errorf("decoding slug index: %w", err)
	}
	return s.Get(ctx, idx.SiteID)
}

// ListByOwner returns the sites owned by ownerID, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Site, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if st.OwnerID == ownerID {
			out = append(out, st)
		}
	}
	return out, nil
}

// List returns every site, newest first.
func (s *Store) List(ctx context.Context) ([]*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.repo.List(sitesNamespace, recordTypeSite)
	if err != nil {
		return nil, err
	}
	sites := make([]*Site, 0, len(ids))
	for _, id := range ids {
		rec, _, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sites = append(sites, &rec.Site)
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].CreatedAt.After(sites[j].CreatedAt)
	})
	return sites, nil
}

// Update applies in to the site. plan gates switching to private.
func (s *Store) Update(ctx context.Context, id string, plan Plan, in UpdateInput) (*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for range maxCASRetries {
		rec, version, err := s.load(id)
		if err != nil {
			return nil, err
		}
		oldSlug := rec.Slug
		if err := s.apply(rec, plan, in); err != nil {
			return nil, err
		}
		rec.UpdatedAt = s.now().UTC()

		err = s.repo.Batch(sitesNamespace, func(tx storage.BatchTx) error {
			if rec.Slug != oldSlug {
				if err := putSlugIndex(tx, rec.Slug, rec.ID); err != nil {
					return err
				}
				if err := tx.Delete(recordTypeSlug, oldSlug); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
			return putSiteRecord(tx, rec, version)
		})
		if errors.Is(err, errSiteConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &rec.Site, nil
	}
	return nil, fmt.Errorf("updating site %s: %w", id, storage.ErrCASFailed)
}

func (s *Store) apply(rec *siteRecord, plan Plan, in UpdateInput) error {
	if in.Slug != nil {
		slug := NormalizeSlug(*in.Slug)
		if err := ValidateSlug(slug); err != nil {
			return err
		}
		rec.Slug = slug
	}
	if in.Title != nil {
		if err := validateTitle(*in.Title); err != nil {
			return err
		}
		rec.Title = strings.TrimSpace(*in.Title)
	}
	if in.Config != nil {
		if err := validateConfig(in.Config); err != nil {
			return err
		}
		rec.Config = in.Config
	}
	if in.IsPrivate != nil {
		if *in.IsPrivate && !rec.IsPrivate && !plan.Features.PrivateSites {
			return fmt.Errorf("private sites require a paid plan: %w", ErrPlanLimit)
		}
		rec.IsPrivate = *in.IsPrivate
	}
	if in.Password != nil {
		if err := s.setPassword(rec, *in.Password); err != nil {
			return err
		}
	}
	if rec.IsPrivate && rec.Password == nil {
		return validationErrorf("password", "is required for private sites")
	}
	if !rec.IsPrivate {
		rec.Password = nil
	}
	return nil
}

// Delete removes the site and frees its slug. Analytics are kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.repo.Batch(sitesNamespace, func(tx storage.BatchTx) error {
		r, err := tx.Get(recordTypeSite, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("site %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var rec siteRecord
		if err := json.Unmarshal(r.Data, &rec); err != nil {
			return fmt.Errorf("decoding site: %w", err)
		}
		if err := tx.Delete(recordTypeSlug, rec.Slug); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.Delete(recordTypeSite, id)
	})
}

// ValidatePassword reports whether password unlocks the site. Public sites
// have no password and never validate.
func (s *Store) ValidatePassword(ctx context.Context, id, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec, _, err := s.load(id)
	if err != nil {
		return false, err
	}
	if !rec.IsPrivate || rec.Password == nil {
		return false, nil
	}
	return rec.Password.Verify(password)
}

// RecordPageView appends a view and bumps the site's counter atomically.
func (s *Store) RecordPageView(ctx context.Context, siteID, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.load(siteID); err != nil {
		return err
	}
	path = truncatePath(path, maxViewPath)
	view := PageView{ID: uuid.New(), SiteID: siteID, Path: path, ViewedAt: s.now().UTC()}
	viewData, err := json.Marshal(view)
	if err != nil {
		return err
	}

	for range maxCASRetries {
		err = s.repo.Batch(analyticsNamespace, func(tx storage.BatchTx) error {
			var (
				counter viewCounter
				version uint64
			)
			cur, err := tx.Get(recordTypeCount, siteID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
			case err != nil:
				return err
			default:
				if err := json.Unmarshal(cur.Data, &counter); err != nil {
					return fmt.Errorf("decoding view counter: %w", err)
				}
				version = cur.Version
			}
			counter.Views++
			counter.LastViewedAt = view.ViewedAt
			data, err := json.Marshal(counter)
			if err != nil {
				return err
			}
			if err := tx.PutCAS(recordTypeCount, siteID, version, &storage.Record{Data: data, Version: version + 1}); err != nil {
				return err
			}
			return tx.Put(recordTypeView, siteID+"/"+view.ID, &storage.Record{Data: viewData, Version: 1})
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			return err
		}
	}
	return fmt.Errorf("recording page view for %s: %w", siteID, err)
}

// Stats returns the view counter for a site.
func (s *Store) Stats(ctx context.Context, siteID string) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, err := s.load(siteID); err != nil {
		return nil, err
	}
	st := &Stats{SiteID: siteID}
	r, err := s.repo.Get(analyticsNamespace, recordTypeCount, siteID)
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	var counter viewCounter
	if err := json.Unmarshal(r.Data, &counter); err != nil {
		return nil, fmt.Errorf("decoding view counter: %w", err)
	}
	st.Views = counter.Views
	if !counter.LastViewedAt.IsZero() {
		at := counter.LastViewedAt
		st.LastViewedAt = &at
	}
	return st, nil
}

func (s *Store) load(id string) (*siteRecord, uint64, error) {
	r, err := s.repo.Get(sitesNamespace, recordTypeSite, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("site %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var rec siteRecord
	if err := json.Unmarshal(r.Data, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding site: %w", err)
	}
	return &rec, r.Version, nil
}

func (s *Store) setPassword(rec *siteRecord, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	h, err := util.HashPassword(password, s.kdfParams)
	if err != nil {
		return fmt.Errorf("hashing site password: %w", err)
	}
	rec.Password = &h
	return nil
}

var errSiteConflict = errors.New("site modified concurrently")

func putSlugIndex(tx storage.BatchTx, slug, siteID string) error {
	data, err := json.Marshal(slugIndex{SiteID: siteID})
	if err != nil {
		return err
	}
	err = tx.PutCAS(recordTypeSlug, slug, 0, &storage.Record{Data: data, Version: 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%q: %w", slug, ErrSlugTaken)
	}
	return err
}

func putSiteRecord(tx storage.BatchTx, rec *siteRecord, version uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = tx.PutCAS(recordTypeSite, rec.ID, version, &storage.Record{Data: data, Version: version + 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return errSiteConflict
	}
	return err
}

func validateConfig(cfg json.RawMessage) error {
	if len(cfg) == 0 {
		return nil
	}
	if !json.Valid(cfg) {
		return validationErrorf("config", "must be valid JSON")
	}
	return nil
}

// truncatePath cuts path to at most n bytes without splitting a rune.
func truncatePath(path string, n int) string {
	if len(path) <= n {
		return path
	}
	for n > 0 && !utf8.RuneStart(path[n]) {
		n--
	}
	return path[:n]
}
