package bundledb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/josejamilena/zvault/pkg/bundle"
	"github.com/josejamilena/zvault/pkg/bundledb"
	"github.com/josejamilena/zvault/pkg/compress"
	"github.com/josejamilena/zvault/pkg/crypto"
	"github.com/josejamilena/zvault/pkg/layout"
)

func newTestDb(t *testing.T) (*bundledb.Db, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	db, err := bundledb.Create(l, crypto.Dummy())
	require.NoError(t, err)
	return db, l
}

func TestAddBundleThenGetChunk(t *testing.T) {
	db, _ := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("chunk one"))
	w.AddChunk([]byte("chunk two"))

	id, err := db.AddBundle(w)
	require.NoError(t, err)

	data, err := db.GetChunk(id, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk one"), data)

	data, err = db.GetChunk(id, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk two"), data)

	info, ok := db.GetBundleInfo(id)
	require.True(t, ok)
	require.Equal(t, bundle.Data, info.Mode)
	require.Equal(t, 2, info.ChunkCount)
}

func TestAddBundleDeduplicatesIdenticalContent(t *testing.T) {
	db, _ := newTestDb(t)

	w1 := db.CreateBundle(bundle.Data, compress.None, nil)
	w1.AddChunk([]byte("same content"))
	id1, err := db.AddBundle(w1)
	require.NoError(t, err)

	w2 := db.CreateBundle(bundle.Data, compress.None, nil)
	w2.AddChunk([]byte("same content"))
	id2, err := db.AddBundle(w2)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Len(t, db.ListBundles(), 1)
}

func TestMetaBundleIsMirroredLocally(t *testing.T) {
	db, l := newTestDb(t)

	w := db.CreateBundle(bundle.Meta, compress.None, nil)
	w.AddChunk([]byte("directory listing"))
	id, err := db.AddBundle(w)
	require.NoError(t, err)

	entries, err := os.ReadDir(l.LocalBundlesPath())
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := db.GetChunk(id, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("directory listing"), data)
}

func TestDataBundleIsNotMirroredLocally(t *testing.T) {
	db, l := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("file content"))
	_, err := db.AddBundle(w)
	require.NoError(t, err)

	var sawFile bool
	filepath.WalkDir(l.LocalBundlesPath(), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			sawFile = true
		}
		return nil
	})
	require.False(t, sawFile, "Data bundles must never be mirrored into the local set")
}

func TestGetChunkUnknownBundle(t *testing.T) {
	db, _ := newTestDb(t)
	var unknown bundle.ID
	unknown[0] = 1

	_, err := db.GetChunk(unknown, 0)
	require.Error(t, err)
	var notFound *bundledb.NoSuchBundleError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteLocalBundleKeepsRemoteCopy(t *testing.T) {
	db, _ := newTestDb(t)

	w := db.CreateBundle(bundle.Meta, compress.None, nil)
	w.AddChunk([]byte("metadata"))
	id, err := db.AddBundle(w)
	require.NoError(t, err)

	require.NoError(t, db.DeleteLocalBundle(id))

	data, err := db.GetChunk(id, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("metadata"), data)
}

func TestDeleteBundleRemovesEverything(t *testing.T) {
	db, _ := newTestDb(t)

	w := db.CreateBundle(bundle.Meta, compress.None, nil)
	w.AddChunk([]byte("metadata"))
	id, err := db.AddBundle(w)
	require.NoError(t, err)

	require.NoError(t, db.DeleteBundle(id))

	_, ok := db.GetBundleInfo(id)
	require.False(t, ok)

	err = db.DeleteBundle(id)
	require.Error(t, err)
	var notFound *bundledb.NoSuchBundleError
	require.ErrorAs(t, err, &notFound)
}

func TestCheckDetectsTamperedBundle(t *testing.T) {
	db, l := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("important content"))
	_, err := db.AddBundle(w)
	require.NoError(t, err)

	require.NoError(t, db.Check(true))

	var path string
	filepath.WalkDir(l.RemoteBundlesPath(), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			path = p
		}
		return nil
	})
	require.NotEmpty(t, path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	db2, err := bundledb.Open(l, crypto.Dummy())
	require.NoError(t, err)
	err = db2.Check(true)
	require.Error(t, err)
}

func TestCheckHeaderOnlySucceedsWithoutFullDecode(t *testing.T) {
	db, _ := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("content"))
	_, err := db.AddBundle(w)
	require.NoError(t, err)

	require.NoError(t, db.Check(false))
}

func TestOpenMirrorsExternallyAddedMetaBundleIntoLocal(t *testing.T) {
	l := layout.New(t.TempDir())
	db, err := bundledb.Create(l, crypto.Dummy())
	require.NoError(t, err)
	require.NoError(t, db.SaveCache())

	w := bundle.NewWriter(bundle.Meta, compress.None, nil, nil)
	w.AddChunk([]byte("externally written listing"))
	encoded, info, err := w.Finalize()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(l.RemoteBundlesPath(), "external.bundle"), encoded, 0o644))

	reopened, err := bundledb.Open(l, crypto.Dummy())
	require.NoError(t, err)

	entries, err := os.ReadDir(l.LocalBundlesPath())
	require.NoError(t, err)
	require.NotEmpty(t, entries, "a Meta bundle discovered on the remote side must be mirrored into local")

	data, err := reopened.GetChunk(info.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("externally written listing"), data)
}

func TestOpenRemovesLocalMirrorWhenRemoteBundleGoneExternally(t *testing.T) {
	db, l := newTestDb(t)

	w := db.CreateBundle(bundle.Meta, compress.None, nil)
	w.AddChunk([]byte("will vanish"))
	_, err := db.AddBundle(w)
	require.NoError(t, err)
	require.NoError(t, db.SaveCache())

	var remotePath string
	filepath.WalkDir(l.RemoteBundlesPath(), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			remotePath = p
		}
		return nil
	})
	require.NotEmpty(t, remotePath)
	require.NoError(t, os.Remove(remotePath))

	_, err = bundledb.Open(l, crypto.Dummy())
	require.NoError(t, err)

	var sawLocalFile bool
	filepath.WalkDir(l.LocalBundlesPath(), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			sawLocalFile = true
		}
		return nil
	})
	require.False(t, sawLocalFile, "the local mirror of a bundle gone from remote must be removed")
}

func TestOpenReconcilesExternallyAddedAndRemovedBundles(t *testing.T) {
	db, l := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("will be deleted externally"))
	goneID, err := db.AddBundle(w)
	require.NoError(t, err)
	require.NoError(t, db.SaveCache())

	var goneFile string
	filepath.WalkDir(l.RemoteBundlesPath(), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			goneFile = p
		}
		return nil
	})
	require.NoError(t, os.Remove(goneFile))

	reopened, err := bundledb.Open(l, crypto.Dummy())
	require.NoError(t, err)
	_, ok := reopened.GetBundleInfo(goneID)
	require.False(t, ok, "a bundle removed from disk outside the process must disappear after Open")

	cacheFile, err := os.Open(l.RemoteBundleCachePath())
	require.NoError(t, err)
	defer cacheFile.Close()
	cached, err := bundle.ReadListFrom(cacheFile)
	require.NoError(t, err)
	for _, s := range cached {
		require.NotEqual(t, goneID, s.Info.ID, "the remote listing cache must be rewritten once reconciliation finds a delta")
	}
}

func TestListBundlesIsStableAndClonedIndependently(t *testing.T) {
	db, _ := newTestDb(t)

	w1 := db.CreateBundle(bundle.Data, compress.None, nil)
	w1.AddChunk([]byte("a"))
	_, err := db.AddBundle(w1)
	require.NoError(t, err)

	w2 := db.CreateBundle(bundle.Data, compress.None, nil)
	w2.AddChunk([]byte("b"))
	_, err = db.AddBundle(w2)
	require.NoError(t, err)

	list1 := db.ListBundles()
	list2 := db.ListBundles()
	require.Equal(t, list1, list2)
	require.Len(t, list1, 2)

	list1[0].Path = "mutated"
	require.NotEqual(t, list1[0].Path, db.ListBundles()[0].Path)
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	db, _ := newTestDb(t)

	w := db.CreateBundle(bundle.Data, compress.None, nil)
	w.AddChunk([]byte("x"))
	id, err := db.AddBundle(w)
	require.NoError(t, err)

	_, err = db.GetChunk(id, 0)
	require.NoError(t, err)
	_, err = db.GetChunk(id, 0)
	require.NoError(t, err)

	stats := db.CacheStats()
	require.GreaterOrEqual(t, stats.Misses, uint64(1))
	require.GreaterOrEqual(t, stats.Hits, uint64(1))
}

func TestEncryptedBundleRoundTripsThroughDb(t *testing.T) {
	l := layout.New(t.TempDir())
	ring := crypto.Dummy()
	pub, sec, err := crypto.GenKeypair()
	require.NoError(t, err)
	require.NoError(t, ring.RegisterSecretKey(pub, sec))
	env := crypto.Envelope{Method: crypto.Sodium, PublicKey: pub}

	db, err := bundledb.Create(l, ring)
	require.NoError(t, err)

	w := db.CreateBundle(bundle.Data, compress.Zstd, &env)
	w.AddChunk([]byte("secret content"))
	id, err := db.AddBundle(w)
	require.NoError(t, err)

	data, err := db.GetChunk(id, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("secret content"), data)
}
