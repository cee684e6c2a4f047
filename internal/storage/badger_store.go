package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

const updateRetries = 50

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens the store at path. An empty path keeps everything in
// memory, which is what tests use.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 24)
	}
	opts.Logger = nil // badger logs are too chatty for the daemon log
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// ---------- keys ----------

func resourcePrefix(cloudID string, kind models.Kind) []byte {
	return []byte("res:" + cloudID + ":" + string(kind) + ":")
}

func resourceCloudPrefix(cloudID string) []byte {
	return []byte("res:" + cloudID + ":")
}

func resourceKey(cloudID string, kind models.Kind, id string) []byte {
	return append(resourcePrefix(cloudID, kind), id...)
}

func identityCloudPrefix(cloudID string) []byte {
	return []byte("idx:" + cloudID + ":")
}

func identityKey(cloudID string, kind models.Kind, identity string) []byte {
	return []byte("idx:" + cloudID + ":" + string(kind) + ":" + identity)
}

func cloudKey(id string) []byte {
	return []byte("cloud:" + id)
}

func cloudTitleKey(ownerID, title string) []byte {
	return []byte("ctitle:" + ownerID + ":" + title)
}

func taskKey(key string) []byte {
	return []byte("task:" + key)
}

func observationPrefix(ownerID string) []byte {
	return []byte("obs:" + ownerID + ":")
}

func observationKey(e *models.ObservationEntry) []byte {
	return []byte(fmt.Sprintf("obs:%s:%020d:%s", e.OwnerID, e.CreatedAt.UnixNano(), e.ID))
}

func ownershipPrefix(ownerID string, kind models.Kind) []byte {
	return []byte("own:" + ownerID + ":" + string(kind) + ":")
}

// ---------- helpers ----------

// checkOwner rejects owner ids that would let one owner's key prefix cover
// another's.
func checkOwner(ownerID string) error {
	if !models.ValidOwnerID(ownerID) {
		return fmt.Errorf("%w: owner id %q", ErrInvalid, ownerID)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction touched the same keys.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < updateRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func scanPrefix[T any](txn *badger.Txn, prefix []byte, fn func(key []byte, v *T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v := new(T)
		if err := item.Value(func(raw []byte) error { return json.Unmarshal(raw, v) }); err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) deletePrefixes(prefixes ...[]byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ---------- resources ----------

func validateResource(r *models.Resource) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case r.CloudID == "":
		return fmt.Errorf("%w: missing cloud", ErrInvalid)
	case r.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalid)
	case r.Identity() == "":
		return fmt.Errorf("%w: %s %s has no provider identity", ErrInvalid, r.Kind, r.ID)
	case strings.ContainsRune(r.ID, ':'):
		return fmt.Errorf("%w: id %q contains ':'", ErrInvalid, r.ID)
	}
	return nil
}

// UpsertResource stores r and its identity index entry atomically. It fails
// with ErrAlreadyExists when another record of the same cloud and kind already
// holds the identity.
func (s *BadgerStore) UpsertResource(ctx context.Context, r *models.Resource) error {
	if err := validateResource(r); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		idx := identityKey(r.CloudID, r.Kind, r.Identity())
		item, err := txn.Get(idx)
		switch {
		case err == nil:
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(owner) != r.ID {
				return fmt.Errorf("%w: %s %q in cloud %s", ErrAlreadyExists, r.Kind.Singular(), r.Identity(), r.CloudID)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		// drop a stale index entry if the identity changed
		var prev models.Resource
		err = getJSON(txn, resourceKey(r.CloudID, r.Kind, r.ID), &prev)
		switch {
		case err == nil && prev.Identity() != r.Identity():
			if err := txn.Delete(identityKey(r.CloudID, r.Kind, prev.Identity())); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		if err := setJSON(txn, resourceKey(r.CloudID, r.Kind, r.ID), r); err != nil {
			return err
		}
		return txn.Set(idx, []byte(r.ID))
	})
}

func (s *BadgerStore) GetResource(ctx context.Context, cloudID string, kind models.Kind, id string) (*models.Resource, error) {
	var out models.Resource
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, resourceKey(cloudID, kind, id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindResource looks a record up by its provider identity.
func (s *BadgerStore) FindResource(ctx context.Context, cloudID string, kind models.Kind, identity string) (*models.Resource, error) {
	var out models.Resource
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(cloudID, kind, identity))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, resourceKey(cloudID, kind, string(id)), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResources returns the records of one cloud and kind ordered by id.
// Missing records are only included when includeMissing is set.
func (s *BadgerStore) ListResources(ctx context.Context, cloudID string, kind models.Kind, includeMissing bool) ([]*models.Resource, error) {
	var out []*models.Resource
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, resourcePrefix(cloudID, kind), func(_ []byte, r *models.Resource) error {
			if includeMissing || !r.Missing() {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

// MarkMissing sets missing_since to now on every record of the cloud and kind
// whose id is not in keep and that is not already missing. It returns the
// number of records it marked.
func (s *BadgerStore) MarkMissing(ctx context.Context, cloudID string, kind models.Kind, keep map[string]bool, now time.Time) (int, error) {
	return s.markMissing(resourcePrefix(cloudID, kind), keep, now)
}

// MarkCloudMissing marks every present record of the cloud as missing.
func (s *BadgerStore) MarkCloudMissing(ctx context.Context, cloudID string, now time.Time) (int, error) {
	return s.markMissing(resourceCloudPrefix(cloudID), nil, now)
}

func (s *BadgerStore) markMissing(prefix []byte, keep map[string]bool, now time.Time) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key []byte, r *models.Resource) error {
			if !r.Missing() && !keep[r.ID] {
				stale = append(stale, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, key := range stale {
		changed := false
		err := s.update(func(txn *badger.Txn) error {
			changed = false
			var r models.Resource
			if err := getJSON(txn, key, &r); err != nil {
				return err
			}
			if r.Missing() {
				return nil
			}
			ts := now
			r.MissingSince = &ts
			changed = true
			return setJSON(txn, key, &r)
		})
		switch {
		case err == nil && changed:
			marked++
		case err != nil && !errors.Is(err, ErrNotFound):
			return marked, err
		}
	}
	return marked, nil
}

// DeleteCloudResources hard-deletes every record of the cloud.
func (s *BadgerStore) DeleteCloudResources(ctx context.Context, cloudID string) error {
	return s.deletePrefixes(resourceCloudPrefix(cloudID), identityCloudPrefix(cloudID))
}

// ---------- clouds ----------

// SaveCloud stores c, enforcing unique titles per owner.
func (s *BadgerStore) SaveCloud(ctx context.Context, c *models.Cloud) error {
	if c.ID == "" || c.OwnerID == "" || c.Title == "" {
		return fmt.Errorf("%w: cloud requires id, owner and title", ErrInvalid)
	}
	if err := checkOwner(c.OwnerID); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		titleKey := cloudTitleKey(c.OwnerID, c.Title)
		item, err := txn.Get(titleKey)
		switch {
		case err == nil:
			holder, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(holder) != c.ID {
				return fmt.Errorf("%w: cloud %q", ErrAlreadyExists, c.Title)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		var prev models.Cloud
		err = getJSON(txn, cloudKey(c.ID), &prev)
		switch {
		case err == nil && prev.Title != c.Title:
			if err := txn.Delete(cloudTitleKey(prev.OwnerID, prev.Title)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		if err := setJSON(txn, cloudKey(c.ID), c); err != nil {
			return err
		}
		return txn.Set(titleKey, []byte(c.ID))
	})
}

func (s *BadgerStore) GetCloud(ctx context.Context, id string) (*models.Cloud, error) {
	var out models.Cloud
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cloudKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListClouds returns the clouds of one owner, or of every owner when ownerID
// is empty.
func (s *BadgerStore) ListClouds(ctx context.Context, ownerID string) ([]*models.Cloud, error) {
	var out []*models.Cloud
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("cloud:"), func(_ []byte, c *models.Cloud) error {
			if ownerID == "" || c.OwnerID == ownerID {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) DeleteCloud(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		var c models.Cloud
		if err := getJSON(txn, cloudKey(id), &c); err != nil {
			return err
		}
		if err := txn.Delete(cloudTitleKey(c.OwnerID, c.Title)); err != nil {
			return err
		}
		return txn.Delete(cloudKey(id))
	})
}

// ---------- tasks ----------

func (s *BadgerStore) GetTask(ctx context.Context, key string) (*models.TaskInfo, error) {
	var out models.TaskInfo
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, taskKey(key), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask applies fn to the task info (a zero TaskInfo when absent) inside
// one transaction. If fn returns an error nothing is written.
func (s *BadgerStore) UpdateTask(ctx context.Context, key string, fn func(t *models.TaskInfo) error) (*models.TaskInfo, error) {
	var out models.TaskInfo
	err := s.update(func(txn *badger.Txn) error {
		out = models.TaskInfo{}
		if err := getJSON(txn, taskKey(key), &out); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		out.Key = key
		if err := fn(&out); err != nil {
			return err
		}
		return setJSON(txn, taskKey(key), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteTask(ctx context.Context, key string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(key))
	})
}

// ---------- observations ----------

func (s *BadgerStore) AppendObservation(ctx context.Context, e *models.ObservationEntry) error {
	if e.ID == "" || e.OwnerID == "" {
		return fmt.Errorf("%w: observation requires id and owner", ErrInvalid)
	}
	if err := checkOwner(e.OwnerID); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, observationKey(e), e)
	})
}

// ListObservations returns the newest entries of an owner first.
func (s *BadgerStore) ListObservations(ctx context.Context, ownerID string, limit int) ([]*models.ObservationEntry, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	var out []*models.ObservationEntry
	prefix := observationPrefix(ownerID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var e models.ObservationEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// ---------- ownership ----------

// PutOwnership indexes resources as visible to ownerID.
func (s *BadgerStore) PutOwnership(ctx context.Context, ownerID string, resources []*models.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range resources {
		key := append(ownershipPrefix(ownerID, r.Kind), r.ID...)
		if err := wb.Set(key, []byte(r.CloudID)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) DeleteOwnership(ctx context.Context, ownerID string, kind models.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(append(ownershipPrefix(ownerID, kind), id...)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ListOwned returns resource id -> cloud id for everything ownerID may see.
func (s *BadgerStore) ListOwned(ctx context.Context, ownerID string, kind models.Kind) (map[string]string, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	out := map[string]string{}
	prefix := ownershipPrefix(ownerID, kind)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			cloudID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[strings.TrimPrefix(string(item.Key()), string(prefix))] = string(cloudID)
		}
		return nil
	})
	return out, err
}
