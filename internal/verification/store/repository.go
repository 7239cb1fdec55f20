package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"registrar/internal/verification/models"
	"registrar/pkg/domain"
)

const (
	identityPrefix = "identity/"
	historyPrefix  = "history/"
)

// IdentityKey is the live (or tombstoned) record of an identity.
func IdentityKey(id domain.IdentityID) string {
	return identityPrefix + id.String()
}

// HistoryKey is the archived record of one judging epoch. Epochs are zero
// padded so lexical order matches numeric order.
func HistoryKey(id domain.IdentityID, epoch int) string {
	return fmt.Sprintf("%s%s/%08d", historyPrefix, id, epoch)
}

type atomicStore interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

type batchGetter interface {
	GetMany(ctx context.Context, keys []string) ([]KV, error)
}

// Repository maps identities onto the key/value Store as JSON documents.
type Repository struct {
	store Store
}

func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Save upserts the live record of identity.
func (r *Repository) Save(ctx context.Context, identity *models.Identity) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", identity.ID, err)
	}
	return r.store.Put(ctx, IdentityKey(identity.ID), raw)
}

// Archive appends the judged epoch to history, then tombstones the live
// record. Both writes are idempotent so a retried archive converges; backends
// with transactions apply them together.
func (r *Repository) Archive(ctx context.Context, identity *models.Identity) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", identity.ID, err)
	}
	write := func(ctx context.Context) error {
		if err := r.store.Put(ctx, HistoryKey(identity.ID, identity.Epoch), raw); err != nil {
			return err
		}
		return r.store.Put(ctx, IdentityKey(identity.ID), raw)
	}
	if a, ok := r.store.(atomicStore); ok {
		return a.Atomically(ctx, write)
	}
	return write(ctx)
}

// Find returns the live or tombstoned record of id.
func (r *Repository) Find(ctx context.Context, id domain.IdentityID) (*models.Identity, error) {
	raw, err := r.store.Get(ctx, IdentityKey(id))
	if err != nil {
		return nil, err
	}
	return decodeIdentity(raw)
}

// Lookup fetches the records of several identities, in one round trip when the
// backend supports it. Unknown ids are omitted.
func (r *Repository) Lookup(ctx context.Context, ids []domain.IdentityID) ([]*models.Identity, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = IdentityKey(id)
	}

	var kvs []KV
	if bg, ok := r.store.(batchGetter); ok {
		var err error
		if kvs, err = bg.GetMany(ctx, keys); err != nil {
			return nil, err
		}
	} else {
		for _, key := range keys {
			raw, err := r.store.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			kvs = append(kvs, KV{Key: key, Value: raw})
		}
	}
	return decodeAll(kvs)
}

// LoadActive returns every identity that has not been archived. It is the
// restore path after a restart.
func (r *Repository) LoadActive(ctx context.Context) ([]*models.Identity, error) {
	kvs, err := r.store.ListPrefix(ctx, identityPrefix)
	if err != nil {
		return nil, err
	}
	all, err := decodeAll(kvs)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, identity := range all {
		if identity.Status == models.StatusActive {
			active = append(active, identity)
		}
	}
	return active, nil
}

// History returns the archived epochs of id, oldest first.
func (r *Repository) History(ctx context.Context, id domain.IdentityID) ([]*models.Identity, error) {
	kvs, err := r.store.ListPrefix(ctx, historyPrefix+id.String()+"/")
	if err != nil {
		return nil, err
	}
	return decodeAll(kvs)
}

// NextEpoch returns the judging epoch a new registration of id should use.
func (r *Repository) NextEpoch(ctx context.Context, id domain.IdentityID) (int, error) {
	kvs, err := r.store.ListPrefix(ctx, historyPrefix+id.String()+"/")
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, kv := range kvs {
		n, err := strconv.Atoi(kv.Key[strings.LastIndexByte(kv.Key, '/')+1:])
		if err == nil && n > latest {
			latest = n
		}
	}
	if live, err := r.Find(ctx, id); err == nil && live.Epoch > latest {
		latest = live.Epoch
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return latest + 1, nil
}

// DisplayNames lists display names already held by other identities: active
// claims and names from reasonable judgments.
func (r *Repository) DisplayNames(ctx context.Context) (map[domain.IdentityID]string, error) {
	names := make(map[domain.IdentityID]string)
	history, err := r.store.ListPrefix(ctx, historyPrefix)
	if err != nil {
		return nil, err
	}
	archived, err := decodeAll(history)
	if err != nil {
		return nil, err
	}
	for _, identity := range archived {
		if name, ok := identity.Accounts[domain.AccountDisplayName]; ok && identity.Verdict == domain.VerdictReasonable {
			names[identity.ID] = name
		}
	}

	active, err := r.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, identity := range active {
		if name, ok := identity.Accounts[domain.AccountDisplayName]; ok {
			names[identity.ID] = name
		}
	}
	return names, nil
}

// Ping checks the backend.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func decodeIdentity(raw []byte) (*models.Identity, error) {
	var identity models.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &identity, nil
}

func decodeAll(kvs []KV) ([]*models.Identity, error) {
	out := make([]*models.Identity, 0, len(kvs))
	for _, kv := range kvs {
		identity, err := decodeIdentity(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, identity)
	}
	return out, nil
}
