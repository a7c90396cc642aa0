// Package bundledb implements the bundle database: the deduplicating,
// content-addressed store of sealed bundles split across a remote
// (authoritative) directory, a local mirror of Meta bundles, and a staging
// temp directory, plus the bounded read cache used to serve chunk reads.
package bundledb

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/josejamilena/zvault/pkg/bundle"
	"github.com/josejamilena/zvault/pkg/compress"
	"github.com/josejamilena/zvault/pkg/crypto"
	"github.com/josejamilena/zvault/pkg/layout"
)

// Db is a single repository's bundle store. One Db should be open at a
// time against a given layout (no multi-writer concurrency); within a
// process all exported methods are goroutine-safe.
type Db struct {
	mu     sync.Mutex
	layout layout.Layout
	crypto *crypto.Crypto

	remote map[bundle.ID]bundle.Stored
	local  map[bundle.ID]bundle.Stored

	remoteCount int
	localCount  int

	readCache *readCache
}

func newDb(l layout.Layout, ring *crypto.Crypto) *Db {
	return &Db{
		layout:    l,
		crypto:    ring,
		remote:    make(map[bundle.ID]bundle.Stored),
		local:     make(map[bundle.ID]bundle.Stored),
		readCache: newReadCache(),
	}
}

// Create initializes a fresh, empty bundle database under l.
func Create(l layout.Layout, ring *crypto.Crypto) (*Db, error) {
	if err := l.Create(); err != nil {
		return nil, errors.Wrap(err, "create bundle directories")
	}
	db := newDb(l, ring)
	if err := db.SaveCache(); err != nil {
		return nil, err
	}
	return db, nil
}

// Open loads an existing bundle database: first its listing caches, for a
// fast start, then reconciles them against the actual bundle directories to
// pick up anything added or removed outside this process, mirroring any
// newly discovered Meta bundle into the local set and dropping the local
// mirror of anything that vanished from the remote set.
func Open(l layout.Layout, ring *crypto.Crypto) (*Db, error) {
	db := newDb(l, ring)
	if err := db.loadCacheFileInto(l.RemoteBundleCachePath(), db.remote); err != nil {
		return nil, err
	}
	if err := db.loadCacheFileInto(l.LocalBundleCachePath(), db.local); err != nil {
		return nil, err
	}
	db.remoteCount = len(db.remote)
	db.localCount = len(db.local)

	newCount, goneCount, err := db.LoadBundles()
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"new": newCount, "gone": goneCount}).Debug("bundledb: reconciled listing against disk")
	return db, nil
}

func (db *Db) resolvePath(rel string) string {
	return filepath.Join(db.layout.BasePath(), rel)
}

// CreateBundle returns a Writer for a new bundle of the given mode,
// compression and (optional) encryption envelope. Pass the returned Writer
// to AddBundle once every chunk has been added.
func (db *Db) CreateBundle(mode bundle.Mode, compression compress.Method, envelope *crypto.Envelope) *bundle.Writer {
	return bundle.NewWriter(mode, compression, envelope, db.crypto)
}

// AddBundle seals w, stages it into the temp directory, and either
// discovers it is a duplicate of already-stored content (by BundleId) or
// moves it into the remote set and, for Meta bundles, mirrors it into the
// local set. It returns the bundle's id either way.
func (db *Db) AddBundle(w *bundle.Writer) (bundle.ID, error) {
	encoded, info, err := w.Finalize()
	if err != nil {
		return bundle.ID{}, errors.Wrap(err, "seal bundle")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.remote[info.ID]; ok {
		log.WithFields(log.Fields{"id": info.ID.String()}).Debug("bundledb: content already stored, deduplicated")
		return info.ID, nil
	}

	tempPath := filepath.Join(db.layout.TempBundlesPath(), info.ID.String()+".bundle.tmp")
	if err := os.WriteFile(tempPath, encoded, 0o644); err != nil {
		return bundle.ID{}, &IoError{Path: tempPath, Err: err}
	}

	remoteFolder, remoteFile := db.layout.RemoteBundlePath(db.remoteCount)
	if err := os.MkdirAll(remoteFolder, 0o755); err != nil {
		os.Remove(tempPath)
		return bundle.ID{}, errors.Wrap(err, "mkdir remote shard")
	}
	remotePath := filepath.Join(remoteFolder, remoteFile)
	if err := os.Rename(tempPath, remotePath); err != nil {
		os.Remove(tempPath)
		return bundle.ID{}, &IoError{Path: remotePath, Err: err}
	}
	db.remoteCount++

	relRemote, err := db.layout.Rel(remotePath)
	if err != nil {
		return bundle.ID{}, err
	}
	db.remote[info.ID] = bundle.Stored{Info: info, Path: relRemote}

	if info.Mode == bundle.Meta {
		localFolder, localFile := db.layout.LocalBundlePath(info.ID, db.localCount)
		if err := os.MkdirAll(localFolder, 0o755); err != nil {
			return bundle.ID{}, errors.Wrap(err, "mkdir local shard")
		}
		localPath := filepath.Join(localFolder, localFile)
		if err := (bundle.Stored{Path: remotePath}).CopyTo(localPath); err != nil {
			return bundle.ID{}, errors.Wrap(err, "mirror bundle into local set")
		}
		db.localCount++

		relLocal, err := db.layout.Rel(localPath)
		if err != nil {
			return bundle.ID{}, err
		}
		db.local[info.ID] = bundle.Stored{Info: info, Path: relLocal}
	}

	log.WithFields(log.Fields{
		"id":   info.ID.String(),
		"mode": info.Mode.String(),
		"size": units.HumanSize(float64(len(encoded))),
	}).Debug("bundledb: stored new bundle")

	return info.ID, nil
}

// reader returns a decoded Reader for id, consulting and populating the
// bounded read cache. The local mirror is preferred over the remote copy
// when both exist, since Meta bundles are mirrored specifically to make
// their reads cheap.
func (db *Db) reader(id bundle.ID) (*bundle.Reader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if r, ok := db.readCache.get(id); ok {
		return r, nil
	}

	stored, ok := db.local[id]
	if !ok {
		stored, ok = db.remote[id]
	}
	if !ok {
		return nil, &NoSuchBundleError{ID: id}
	}

	path := db.resolvePath(stored.Path)
	f, err := os.Open(path)
	if err != nil {
		return nil, &IoError{Path: path, Err: err}
	}
	defer f.Close()

	r, err := bundle.OpenReader(f, db.crypto)
	if err != nil {
		return nil, errors.Wrapf(err, "open bundle %s", id)
	}
	db.readCache.add(id, r)
	return r, nil
}

// GetChunk returns the raw content of one chunk of bundle id.
func (db *Db) GetChunk(id bundle.ID, index int) ([]byte, error) {
	r, err := db.reader(id)
	if err != nil {
		return nil, err
	}
	return r.Chunk(index)
}

// GetChunkList returns the internal chunk table of bundle id.
func (db *Db) GetChunkList(id bundle.ID) (bundle.ChunkTable, error) {
	r, err := db.reader(id)
	if err != nil {
		return nil, err
	}
	return r.GetChunkList(), nil
}

// GetBundleInfo returns a clone of the descriptor for id, and whether it is
// known at all.
func (db *Db) GetBundleInfo(id bundle.ID) (bundle.Info, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.remote[id]; ok {
		return s.Info.Clone(), true
	}
	if s, ok := db.local[id]; ok {
		return s.Info.Clone(), true
	}
	return bundle.Info{}, false
}

// ListBundles returns a clone of every bundle in the authoritative remote
// set, ordered by id for a stable listing.
func (db *Db) ListBundles() []bundle.Stored {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]bundle.Stored, 0, len(db.remote))
	for _, s := range db.remote {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID.String() < out[j].Info.ID.String() })
	return out
}

// DeleteLocalBundle removes only id's local mirror, if it has one. It is
// not an error for id to have no local mirror to begin with.
func (db *Db) DeleteLocalBundle(id bundle.ID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.local[id]
	if !ok {
		return nil
	}
	delete(db.local, id)
	db.readCache.remove(id)
	path := db.resolvePath(s.Path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &RemoveError{Path: path, Err: err}
	}
	return nil
}

// DeleteBundle removes id entirely: its local mirror, if any, and its
// remote copy. It is an error for id to be unknown.
func (db *Db) DeleteBundle(id bundle.ID) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, ok := db.remote[id]
	if !ok {
		return &NoSuchBundleError{ID: id}
	}

	if local, ok := db.local[id]; ok {
		delete(db.local, id)
		lp := db.resolvePath(local.Path)
		if err := os.Remove(lp); err != nil && !os.IsNotExist(err) {
			return &RemoveError{Path: lp, Err: err}
		}
	}

	delete(db.remote, id)
	db.readCache.remove(id)
	rp := db.resolvePath(s.Path)
	if err := os.Remove(rp); err != nil && !os.IsNotExist(err) {
		return &RemoveError{Path: rp, Err: err}
	}
	return nil
}

// Check iterates every bundle in the authoritative remote set and verifies
// it via the bundle codec. When full is true, each bundle's data section is
// fully re-read and every chunk's content hash is checked against its chunk
// table; when false, only the on-disk header is re-read and its id is
// compared against the listing's expectation. It returns the first error
// encountered, identifying the offending bundle.
func (db *Db) Check(full bool) error {
	db.mu.Lock()
	paths := make(map[bundle.ID]string, len(db.remote))
	ids := make([]bundle.ID, 0, len(db.remote))
	for id, s := range db.remote {
		ids = append(ids, id)
		paths[id] = db.resolvePath(s.Path)
	}
	db.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if full {
			r, err := db.reader(id)
			if err != nil {
				return errors.Wrapf(err, "check bundle %s", id)
			}
			if err := r.Check(); err != nil {
				return errors.Wrapf(err, "check bundle %s", id)
			}
			continue
		}

		path := paths[id]
		f, err := os.Open(path)
		if err != nil {
			return &IoError{Path: path, Err: err}
		}
		info, err := bundle.ReadInfo(f)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "check bundle %s header", id)
		}
		if info.ID != id {
			return errors.Errorf("bundledb: bundle at %s reports id %s, expected %s", path, info.ID, id)
		}
	}
	return nil
}

// CacheStats reports hit/miss counts for the bounded read cache.
func (db *Db) CacheStats() CacheStats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.readCache.stats()
}

func (db *Db) loadCacheFileInto(path string, into map[bundle.ID]bundle.Stored) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &CacheError{Path: path, Err: err}
	}
	defer f.Close()

	list, err := bundle.ReadListFrom(f)
	if err != nil {
		return &CacheError{Path: path, Err: err}
	}
	for _, s := range list {
		into[s.Info.ID] = s
	}
	return nil
}

func (db *Db) saveListFile(path string, m map[bundle.ID]bundle.Stored) error {
	list := make([]bundle.Stored, 0, len(m))
	for _, s := range m {
		list = append(list, s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir cache directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return &CacheError{Path: path, Err: err}
	}
	defer f.Close()
	if err := bundle.SaveListTo(f, list); err != nil {
		return &CacheError{Path: path, Err: err}
	}
	return nil
}

// SaveCache persists the in-memory remote and local listings to their cache
// files, so the next Open can skip a full directory scan.
func (db *Db) SaveCache() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.saveListFile(db.layout.RemoteBundleCachePath(), db.remote); err != nil {
		return err
	}
	return db.saveListFile(db.layout.LocalBundleCachePath(), db.local)
}

// reconcile scans dir for *.bundle files, compares what it finds against
// known, and updates known in place: new ids are added, vanished ids are
// removed. A bundle whose file moved (e.g. an external repack) but whose id
// is unchanged is treated as present, not as gone-then-new - paths are
// always refreshed from the scan, tolerating relocation.
func (db *Db) reconcile(dir string, known map[bundle.ID]bundle.Stored) (newIDs, goneIDs []bundle.ID, err error) {
	found := make(map[bundle.ID]bundle.Stored)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".bundle") {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		info, readErr := bundle.ReadInfo(f)
		if readErr != nil {
			return errors.Wrapf(readErr, "read bundle header %s", path)
		}
		rel, relErr := db.layout.Rel(path)
		if relErr != nil {
			return relErr
		}
		found[info.ID] = bundle.Stored{Info: info, Path: rel}
		return nil
	})
	if walkErr != nil {
		return nil, nil, &ListBundlesError{Dir: dir, Err: walkErr}
	}

	for id, s := range found {
		if _, ok := known[id]; !ok {
			newIDs = append(newIDs, id)
		}
		known[id] = s
	}
	for id := range known {
		if _, ok := found[id]; !ok {
			goneIDs = append(goneIDs, id)
			delete(known, id)
		}
	}

	sort.Slice(newIDs, func(i, j int) bool { return newIDs[i].String() < newIDs[j].String() })
	sort.Slice(goneIDs, func(i, j int) bool { return goneIDs[i].String() < goneIDs[j].String() })
	return newIDs, goneIDs, nil
}

// updateCache applies the reconciliation delta observed on the remote side:
// every newly discovered Meta bundle is mirrored into the local set, and
// the local mirror of every bundle that vanished from the remote set is
// removed. It reports whether it mutated db.local, so the caller knows
// whether the local listing cache needs to be persisted again.
func (db *Db) updateCache(newIDs, goneIDs []bundle.ID) (changed bool, err error) {
	for _, id := range newIDs {
		s, ok := db.remote[id]
		if !ok || s.Info.Mode != bundle.Meta {
			continue
		}
		if _, ok := db.local[id]; ok {
			continue
		}

		localFolder, localFile := db.layout.LocalBundlePath(id, db.localCount)
		if err := os.MkdirAll(localFolder, 0o755); err != nil {
			return changed, errors.Wrap(err, "mkdir local shard")
		}
		localPath := filepath.Join(localFolder, localFile)
		src := bundle.Stored{Path: db.resolvePath(s.Path)}
		if err := src.CopyTo(localPath); err != nil {
			return changed, errors.Wrap(err, "mirror reconciled bundle into local set")
		}
		db.localCount++

		relLocal, err := db.layout.Rel(localPath)
		if err != nil {
			return changed, err
		}
		db.local[id] = bundle.Stored{Info: s.Info, Path: relLocal}
		changed = true
	}

	for _, id := range goneIDs {
		local, ok := db.local[id]
		if !ok {
			continue
		}
		delete(db.local, id)
		db.readCache.remove(id)
		path := db.resolvePath(local.Path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return changed, &RemoveError{Path: path, Err: err}
		}
		changed = true
	}

	return changed, nil
}

// LoadBundles reconciles the in-memory remote and local listings against
// the bundle directories on disk, rewrites the listing cache file of
// whichever side(s) changed, applies updateCache to mirror/prune the local
// set accordingly, and returns how many bundles were newly discovered and
// how many vanished, across both sets combined.
func (db *Db) LoadBundles() (newCount, goneCount int, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rNew, rGone, err := db.reconcile(db.layout.RemoteBundlesPath(), db.remote)
	if err != nil {
		return 0, 0, err
	}
	if len(rNew) > 0 || len(rGone) > 0 {
		if err := db.saveListFile(db.layout.RemoteBundleCachePath(), db.remote); err != nil {
			return 0, 0, err
		}
	}

	lNew, lGone, err := db.reconcile(db.layout.LocalBundlesPath(), db.local)
	if err != nil {
		return 0, 0, err
	}
	if len(lNew) > 0 || len(lGone) > 0 {
		if err := db.saveListFile(db.layout.LocalBundleCachePath(), db.local); err != nil {
			return 0, 0, err
		}
	}

	changed, err := db.updateCache(rNew, rGone)
	if err != nil {
		return 0, 0, err
	}
	if changed {
		if err := db.saveListFile(db.layout.LocalBundleCachePath(), db.local); err != nil {
			return 0, 0, err
		}
	}

	return len(rNew) + len(lNew), len(rGone) + len(lGone), nil
}
