// Package lock implements the advisory lock manager (§4.L): an
// exclusive, TTL-bounded lock over a named resource (a ref, a path, a
// whole repository), built as an ETag compare-and-swap dance over the
// blob store rather than a dedicated lock service.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"github.com/gitvault/server/internal/store/blobstore"
)

// keyPrefix namespaces lock records away from packfiles and
// super-chunks sharing the same bucket.
const keyPrefix = "locks/"

// ErrHeld is returned by Acquire when resource is already locked by
// someone else and not yet expired.
var ErrHeld = errors.New("lock: resource is held")

// ErrLost is returned by Refresh when the caller's handle no
// longer matches the stored record — another holder has since acquired
// the lock, most often because the caller's TTL already expired.
var ErrLost = errors.New("lock: lost ownership")

// Record is the durable lock state, serialized as the blob's body.
type Record struct {
	LockID     string    `json:"lock_id"`
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r Record) expired(now time.Time) bool { return !r.ExpiresAt.After(now) }

// Handle is returned by Acquire and threaded through Refresh/Release. It
// carries the blob's ETag, so a refresh or release can assert it still
// owns the record before mutating it.
type Handle struct {
	Record
	ETag string
}

// Manager grants locks backed by a blob store bucket.
type Manager struct {
	blobs *blobstore.Store
	log   *zap.Logger
}

// NewManager wires a lock manager against a blob store; log may be nil.
func NewManager(blobs *blobstore.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{blobs: blobs, log: log}
}

func key(resource string) string {
	return keyPrefix + resource
}

// Acquire grants an exclusive lock on resource for ttl, or reports that
// it is already held. Steps match the spec: read the current record; if
// absent, conditionally create it; if present and unexpired, refuse; if
// present and expired, conditionally reclaim it. Every conditional write
// races against other acquirers, so a precondition failure is reported
// as ErrHeld rather than retried — the caller decides whether to retry.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (*Handle, error) {
	now := time.Now()
	rec := Record{
		LockID:     uuid.NewV4().String(),
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("lock: encode %s: %w", resource, err)
	}

	cur, etag, err := m.read(ctx, resource)
	if errors.Is(err, blobstore.ErrNotFound) {
		if err := m.blobs.PutIfAbsent(ctx, key(resource), payload, "application/json"); err != nil {
			if errors.Is(err, blobstore.ErrPreconditionFailed) {
				return nil, ErrHeld
			}
			return nil, fmt.Errorf("lock: create %s: %w", resource, err)
		}
		return m.verify(ctx, resource, rec.LockID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock: read %s: %w", resource, err)
	}

	if !cur.expired(now) {
		return nil, ErrHeld
	}

	if err := m.blobs.PutIfMatch(ctx, key(resource), payload, "application/json", etag); err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock: reclaim %s: %w", resource, err)
	}
	return m.verify(ctx, resource, rec.LockID)
}

// verify re-reads the record after a write and confirms this caller's
// lock_id actually won — another acquirer's write could have landed
// between our write and this read.
func (m *Manager) verify(ctx context.Context, resource, lockID string) (*Handle, error) {
	cur, etag, err := m.read(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("lock: verify %s: %w", resource, err)
	}
	if cur.LockID != lockID {
		return nil, ErrHeld
	}
	return &Handle{Record: cur, ETag: etag}, nil
}

// Refresh extends an already-held lock's TTL. It fails with ErrLost if
// h's ETag no longer matches the stored record, meaning the lock
// expired and was reclaimed by someone else in the meantime.
func (m *Manager) Refresh(ctx context.Context, h *Handle, ttl time.Duration) (*Handle, error) {
	now := time.Now()
	rec := h.Record
	rec.ExpiresAt = now.Add(ttl)
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("lock: encode %s: %w", rec.Resource, err)
	}

	if err := m.blobs.PutIfMatch(ctx, key(rec.Resource), payload, "application/json", h.ETag); err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return nil, ErrLost
		}
		return nil, fmt.Errorf("lock: refresh %s: %w", rec.Resource, err)
	}
	return m.verify(ctx, rec.Resource, rec.LockID)
}

// Release drops h's lock if it is still the current holder of record.
// Releasing a lock already reclaimed by someone else (h.LockID no
// longer matches) is a no-op, not an error — the caller's lock is gone
// either way.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	cur, _, err := m.read(ctx, h.Resource)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", h.Resource, err)
	}
	if cur.LockID != h.LockID {
		return nil
	}
	if err := m.blobs.Delete(ctx, key(h.Resource)); err != nil {
		return fmt.Errorf("lock: release %s: %w", h.Resource, err)
	}
	return nil
}

func (m *Manager) read(ctx context.Context, resource string) (Record, string, error) {
	_, etag, err := m.blobs.Head(ctx, key(resource))
	if err != nil {
		return Record{}, "", err
	}
	data, err := m.blobs.Get(ctx, key(resource))
	if err != nil {
		return Record{}, "", err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, "", fmt.Errorf("lock: decode %s: %w", resource, err)
	}
	return rec, etag, nil
}

// SweepExpired deletes every lock record past its expiry, regardless of
// holder. Called on demand rather than on a timer, matching the spec's
// "garbage-collect expired locks on demand."
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	keys, err := m.blobs.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("lock: sweep: list: %w", err)
	}
	now := time.Now()
	var swept int
	for _, k := range keys {
		data, err := m.blobs.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if !rec.expired(now) {
			continue
		}
		if err := m.blobs.Delete(ctx, k); err != nil {
			m.log.Warn("lock: sweep delete failed", zap.String("resource", rec.Resource), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}
