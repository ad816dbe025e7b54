// Package repo wires every engine component behind one capability
// object: a repository handle exposing object read/write, refs,
// locking, garbage collection, and remote sync, adapted from the
// teacher's pkg/vcs.Repository (a single-purpose struct wrapping one
// filesystem-backed objects.Storage) into an explicit set of
// collaborators a caller can substitute independently — the object
// store, ref store, and transport are each interfaces or swappable
// structs rather than something Repo constructs internally.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gitvault/server/internal/auth"
	"github.com/gitvault/server/internal/config"
	"github.com/gitvault/server/internal/gc"
	"github.com/gitvault/server/internal/lock"
	"github.com/gitvault/server/internal/metrics"
	"github.com/gitvault/server/internal/mirror"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/refs"
	"github.com/gitvault/server/internal/store"
	"github.com/gitvault/server/internal/store/blobstore"
	"github.com/gitvault/server/internal/store/index"
	"github.com/gitvault/server/internal/store/sqlkv"
	"github.com/gitvault/server/internal/transport"
)

// Repo is the engine's capability object: everything a caller needs
// to read/write objects, manipulate refs, take locks, collect garbage,
// and sync with remotes, held as named collaborators rather than
// buried inside method bodies.
type Repo struct {
	Store  *store.Store
	Refs   *refs.Store
	Locks  *lock.Manager
	GC     *gc.Collector
	Auth   auth.Provider
	Config config.Config
	Log    *zap.Logger

	mu      sync.Mutex
	clients map[string]*transport.Client // remote name -> client, built lazily
	metrics *metrics.Registry
}

// Open wires a Repo's collaborators from an already-migrated sqlite
// handle (hot tier, refs, object-location index) and an already
// reachable blob client (warm/cold tiers, lock manager). Of cfg, Open
// applies only Storage.Bucket and keeps the whole value as Repo.Config;
// the store's size thresholds and the other collaborators' settings
// are their own package defaults, not cfg's values. log may be nil.
func Open(db *sql.DB, blobClient blobstore.Client, cfg config.Config, log *zap.Logger) (*Repo, error) {
	if log == nil {
		log = zap.NewNop()
	}

	hot := sqlkv.New(db)
	idx := index.New(db)
	blobs := blobstore.New(blobClient, cfg.Storage.Bucket, log)

	st := store.Open(hot, blobs, idx, log)
	refStore := refs.Open(db, log)
	locks := lock.NewManager(blobs, log)
	collector := gc.NewCollector(st, refStore, log)

	r := &Repo{
		Store:   st,
		Refs:    refStore,
		Locks:   locks,
		GC:      collector,
		Auth:    &auth.StaticProvider{AllowAnonymous: true},
		Config:  cfg,
		Log:     log,
		clients: make(map[string]*transport.Client),
	}
	return r, nil
}

// WithMetrics attaches m to every collaborator that reports against a
// metrics.Registry.
func (r *Repo) WithMetrics(m *metrics.Registry) *Repo {
	r.Store.WithMetrics(m)
	r.GC.Metrics = m
	r.metrics = m
	return r
}

// Metrics returns the registry set by WithMetrics, or nil if none was
// attached.
func (r *Repo) Metrics() *metrics.Registry {
	return r.metrics
}

// HashObject computes obj's id and, if write is true, stores it.
// Mirrors the teacher's Repository.HashObject, generalized from
// blob-only to every object type since trees/commits/tags all satisfy
// objects.Object the same way a blob does.
func (r *Repo) HashObject(ctx context.Context, typ objects.ObjectType, data []byte, write bool) (objects.ObjectID, error) {
	if !typ.IsValid() {
		return objects.ObjectID{}, fmt.Errorf("repo: unsupported object type %q", typ)
	}
	id := objects.ComputeHash(typ, data)
	if !write {
		return id, nil
	}
	if _, err := r.Store.Put(ctx, typ, data); err != nil {
		return objects.ObjectID{}, fmt.Errorf("repo: hash-object: %w", err)
	}
	return id, nil
}

// ReadObject reads sha back as its type and raw content.
func (r *Repo) ReadObject(ctx context.Context, sha objects.ObjectID) (objects.ObjectType, []byte, error) {
	return r.Store.Get(ctx, sha)
}

// HasObject reports whether sha is known to the store.
func (r *Repo) HasObject(ctx context.Context, sha objects.ObjectID) bool {
	_, _, err := r.Store.Get(ctx, sha)
	return err == nil
}

// CreateBlob writes data as a blob and returns the parsed object.
func (r *Repo) CreateBlob(ctx context.Context, data []byte) (*objects.Blob, error) {
	blob := objects.NewBlob(data)
	if _, err := r.Store.Put(ctx, objects.TypeBlob, blob.Data()); err != nil {
		return nil, fmt.Errorf("repo: create blob: %w", err)
	}
	return blob, nil
}

// CreateTree builds a tree from entries and writes it.
func (r *Repo) CreateTree(ctx context.Context, entries []objects.TreeEntry) (*objects.Tree, error) {
	tree := objects.NewTree()
	for _, e := range entries {
		if err := tree.AddEntry(e.Mode, e.Name, e.ID); err != nil {
			return nil, fmt.Errorf("repo: create tree: %w", err)
		}
	}
	data, err := tree.Serialize()
	if err != nil {
		return nil, fmt.Errorf("repo: serialize tree: %w", err)
	}
	if _, err := r.Store.Put(ctx, objects.TypeTree, data); err != nil {
		return nil, fmt.Errorf("repo: create tree: %w", err)
	}
	return tree, nil
}

// CreateCommit builds a commit and writes it.
func (r *Repo) CreateCommit(ctx context.Context, tree objects.ObjectID, parents []objects.ObjectID, author, committer objects.Signature, message string) (*objects.Commit, error) {
	commit := objects.NewCommit(tree, parents, author, committer, message)
	data, err := commit.Serialize()
	if err != nil {
		return nil, fmt.Errorf("repo: serialize commit: %w", err)
	}
	if _, err := r.Store.Put(ctx, objects.TypeCommit, data); err != nil {
		return nil, fmt.Errorf("repo: create commit: %w", err)
	}
	return commit, nil
}

// CreateTag builds an annotated tag object and writes it (lightweight
// tags don't create an object at all — see refs.Store.CreateLightweightTag).
func (r *Repo) CreateTag(ctx context.Context, object objects.ObjectID, objType objects.ObjectType, name string, tagger objects.Signature, message string) (*objects.Tag, error) {
	tag := objects.NewTag(object, objType, name, tagger, message)
	data, err := tag.Serialize()
	if err != nil {
		return nil, fmt.Errorf("repo: serialize tag: %w", err)
	}
	if _, err := r.Store.Put(ctx, objects.TypeTag, data); err != nil {
		return nil, fmt.Errorf("repo: create tag: %w", err)
	}
	return tag, nil
}

// Remote returns the transport client for a named remote, building
// and caching it on first use from the base URL configured for that
// name. Multiple remotes can be active at once (refs/remotes/<name>/*
// namespaces one ref tree per remote).
func (r *Repo) Remote(name, baseURL string) *transport.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c
	}
	c := transport.NewClient(baseURL)
	r.clients[name] = c
	return c
}

// Syncer builds a mirror.Syncer against the named remote.
func (r *Repo) Syncer(name, baseURL string) *mirror.Syncer {
	s := mirror.NewSyncer(r.Refs, r.Store, r.Remote(name, baseURL), r.Log)
	s.Metrics = r.metrics
	return s
}
