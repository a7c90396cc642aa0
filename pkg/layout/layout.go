// Package layout is a pure function of a repository base path: it computes
// the deterministic directory and file names a BundleDb and the backup tree
// are stored under. Nothing in this package touches the filesystem except
// Create, which makes the bundle directories.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

const (
	remoteDir  = "remote"
	localDir   = "local"
	tempDir    = "temp"
	cacheDir   = "cache"
	keysDir    = "keys"
	backupsDir = "backups"

	localCacheFile  = "local.bundles"
	remoteCacheFile = "remote.bundles"

	// bundlesPerShard caps how many bundle files live directly under one
	// shard directory before a new shard is started, so no single directory
	// grows unbounded as the repository accumulates bundles.
	bundlesPerShard = 256
)

// Layout is a deterministic path policy rooted at a single base directory.
// It is a plain value: constructing one does no I/O.
type Layout struct {
	base string
}

// New returns the Layout rooted at base.
func New(base string) Layout {
	return Layout{base: filepath.Clean(base)}
}

// BasePath returns the repository's root directory.
func (l Layout) BasePath() string {
	return l.base
}

func (l Layout) join(parts ...string) string {
	p, err := securejoin.SecureJoin(l.base, filepath.Join(parts...))
	if err != nil {
		// SecureJoin only fails on a base path that doesn't resolve; since
		// every caller here builds paths from our own shard/index scheme,
		// this can only happen for a corrupt base path.
		return filepath.Join(append([]string{l.base}, parts...)...)
	}
	return p
}

// RemoteBundlesPath is the directory holding the authoritative bundle set.
func (l Layout) RemoteBundlesPath() string { return l.join(remoteDir) }

// LocalBundlesPath is the directory holding the Meta-bundle mirror.
func (l Layout) LocalBundlesPath() string { return l.join(localDir) }

// TempBundlesPath is the directory in-flight bundle writers stage into.
func (l Layout) TempBundlesPath() string { return l.join(tempDir) }

// LocalBundleCachePath is the on-disk listing cache for the local set.
func (l Layout) LocalBundleCachePath() string { return l.join(cacheDir, localCacheFile) }

// RemoteBundleCachePath is the on-disk listing cache for the remote set.
func (l Layout) RemoteBundleCachePath() string { return l.join(cacheDir, remoteCacheFile) }

// KeysPath is the keyring directory.
func (l Layout) KeysPath() string { return l.join(keysDir) }

// BackupsPath is the root of the named-backup tree.
func (l Layout) BackupsPath() string { return l.join(backupsDir) }

// BackupPath resolves a backup name (which may contain '/' to nest backups
// in subdirectories) to its file path.
func (l Layout) BackupPath(name string) string {
	return l.join(backupsDir, name)
}

func shardName(index int) string {
	return fmt.Sprintf("%02x", (index/bundlesPerShard)%256)
}

// RemoteBundlePath allocates the (folder, filename) a newly sealed bundle
// should be written to, given the current count of remote bundles. The
// scheme shards bundles by their running index, write-time only: reads
// always find bundles by scanning, never by recomputing this path.
func (l Layout) RemoteBundlePath(index int) (folder, filename string) {
	folder = filepath.Join(l.RemoteBundlesPath(), shardName(index))
	filename = fmt.Sprintf("%08x.bundle", index)
	return folder, filename
}

// LocalBundlePath allocates the (folder, filename) a Meta bundle's local
// mirror should be written to. It shards by both the running local-mirror
// index and the bundle id so the local cache's layout does not collide with
// the remote layout even if both reuse index 0.
func (l Layout) LocalBundlePath(id fmt.Stringer, index int) (folder, filename string) {
	folder = filepath.Join(l.LocalBundlesPath(), shardName(index))
	filename = fmt.Sprintf("%s.bundle", id.String())
	return folder, filename
}

// Create makes the remote/, local/, and temp/ bundle directories. It is
// idempotent.
func (l Layout) Create() error {
	for _, dir := range []string{l.RemoteBundlesPath(), l.LocalBundlesPath(), l.TempBundlesPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	return nil
}

// Rel returns path expressed relative to the repository base. path must lie
// under the base (this is only ever called with paths this package itself
// produced, or paths discovered by scanning under the base).
func (l Layout) Rel(path string) (string, error) {
	rel, err := filepath.Rel(l.base, path)
	if err != nil {
		return "", errors.Wrapf(err, "relativize %s", path)
	}
	return rel, nil
}
