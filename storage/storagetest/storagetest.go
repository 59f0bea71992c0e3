// Package storagetest holds the conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/heartreel/heartreel/storage"
)

// Run exercises repo-agnostic behaviour. newRepo must return an empty
// repository; it is called once per subtest.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	rec := func(data string, version uint64) *storage.Record {
		return &storage.Record{Data: []byte(data), Version: version}
	}

	t.Run("PutGet", func(t *testing.T) {
		r := newRepo(t)
		if err := r.Put("ns", "SITE", "s1", rec("hello", 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := r.Get("ns", "SITE", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "hello" || got.Version != 1 {
			t.Errorf("Get returned %q v%d, want \"hello\" v1", got.Data, got.Version)
		}

		if err := r.Put("ns", "SITE", "s1", rec("again", 2)); err != nil {
			t.Fatalf("Put overwrite failed: %v", err)
		}
		got, _ = r.Get("ns", "SITE", "s1")
		if string(got.Data) != "again" || got.Version != 2 {
			t.Errorf("overwrite returned %q v%d", got.Data, got.Version)
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		r := newRepo(t)
		in := rec("abc", 1)
		_ = r.Put("ns", "SITE", "s1", in)
		in.Data[0] = 'X'
		got, _ := r.Get("ns", "SITE", "s1")
		if string(got.Data) != "abc" {
			t.Fatalf("stored record aliased caller buffer: %q", got.Data)
		}
		got.Data[0] = 'Y'
		again, _ := r.Get("ns", "SITE", "s1")
		if string(again.Data) != "abc" {
			t.Errorf("Get returned an aliased buffer: %q", again.Data)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Get("missing", "SITE", "s1")
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("missing namespace: expected ErrNamespaceNotFound, got %v", err)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("missing namespace should also match ErrNotFound, got %v", err)
		}

		_ = r.Put("ns", "SITE", "s1", rec("x", 1))
		_, err = r.Get("ns", "SITE", "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("missing record: expected ErrNotFound, got %v", err)
		}
		if errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("missing record in existing namespace should not be ErrNamespaceNotFound")
		}
	})

	t.Run("List", func(t *testing.T) {
		r := newRepo(t)
		_ = r.Put("ns", "SITE", "b", rec("1", 1))
		_ = r.Put("ns", "SITE", "a", rec("1", 1))
		_ = r.Put("ns", "SLUG", "a", rec("1", 1))
		_ = r.Put("ns", "S", "", rec("1", 1))
		_ = r.Put("other", "SITE", "c", rec("1", 1))

		ids, err := r.List("ns", "SITE")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if fmt.Sprint(ids) != "[a b]" {
			t.Errorf("List returned %v, want [a b]", ids)
		}

		ids, err = r.List("missing", "SITE")
		if err != nil {
			t.Errorf("List on missing namespace should not fail, got %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		r := newRepo(t)
		_ = r.Put("ns", "SITE", "s1", rec("x", 1))
		if err := r.Delete("ns", "SITE", "s1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := r.Get("ns", "SITE", "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := r.Delete("ns", "SITE", "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		r := newRepo(t)
		if err := r.PutCAS("ns", "SITE", "s1", 0, rec("v1", 1)); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := r.PutCAS("ns", "SITE", "s1", 0, rec("dup", 1)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("create-only on existing: expected ErrCASFailed, got %v", err)
		}
		if err := r.PutCAS("ns", "SITE", "s1", 1, rec("v2", 2)); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := r.PutCAS("ns", "SITE", "s1", 1, rec("stale", 2)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("stale version: expected ErrCASFailed, got %v", err)
		}
		if err := r.PutCAS("ns", "SITE", "missing", 3, rec("x", 4)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("non-zero version on missing record: expected ErrCASFailed, got %v", err)
		}
		got, _ := r.Get("ns", "SITE", "s1")
		if string(got.Data) != "v2" || got.Version != 2 {
			t.Errorf("after CAS got %q v%d, want \"v2\" v2", got.Data, got.Version)
		}
	})

	t.Run("ConcurrentCreateOnly", func(t *testing.T) {
		r := newRepo(t)
		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.PutCAS("ns", "SLUG", "taken", 0, rec(fmt.Sprint(i), 1)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one create-only winner, got %d", wins)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		r := newRepo(t)
		_ = r.Put("ns", "COUNTER", "c", rec("1", 1))
		err := r.Batch("ns", func(tx storage.BatchTx) error {
			cur, err := tx.Get("COUNTER", "c")
			if err != nil {
				return err
			}
			if err := tx.PutCAS("COUNTER", "c", cur.Version, rec("2", cur.Version+1)); err != nil {
				return err
			}
			if err := tx.Put("VIEW", "v1", rec("view", 1)); err != nil {
				return err
			}
			return tx.PutCAS("VIEW", "v2", 0, rec("view", 1))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, _ := r.Get("ns", "COUNTER", "c")
		if string(got.Data) != "2" || got.Version != 2 {
			t.Errorf("counter = %q v%d, want \"2\" v2", got.Data, got.Version)
		}
		ids, _ := r.List("ns", "VIEW")
		if len(ids) != 2 {
			t.Errorf("expected 2 views, got %v", ids)
		}
	})

	t.Run("BatchGetMissing", func(t *testing.T) {
		r := newRepo(t)
		err := r.Batch("ns", func(tx storage.BatchTx) error {
			_, err := tx.Get("COUNTER", "nope")
			return err
		})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound from batch Get, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		r := newRepo(t)
		_ = r.Put("ns", "SITE", "s1", rec("original", 1))
		boom := errors.New("boom")
		err := r.Batch("ns", func(tx storage.BatchTx) error {
			_ = tx.Put("SITE", "s1", rec("changed", 2))
			_ = tx.Put("SITE", "s2", rec("new", 1))
			_ = tx.Delete("SITE", "s1")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error to propagate, got %v", err)
		}
		got, err := r.Get("ns", "SITE", "s1")
		if err != nil {
			t.Fatalf("s1 should survive rollback: %v", err)
		}
		if string(got.Data) != "original" {
			t.Errorf("s1 = %q after rollback, want \"original\"", got.Data)
		}
		if _, err := r.Get("ns", "SITE", "s2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("s2 should not exist after rollback, got %v", err)
		}
	})
}
