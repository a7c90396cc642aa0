package snapshot_test

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/josejamilena/zvault/pkg/bundle"
	"github.com/josejamilena/zvault/pkg/snapshot"
)

// fsNode is a fixture filesystem entry; fakeRepo answers Scan/ReadDirNames
// against a tree of these instead of touching a real filesystem.
type fsNode struct {
	name    string
	typ     snapshot.FileType
	size    uint64
	modTime int64
}

type createdEntry struct {
	path  string
	inode *snapshot.Inode
}

// fakeRepo is a minimal in-memory Repository: inode content is addressed by
// a small sequential id rather than any real chunk hash, since how chunks
// are produced and hashed is outside this package's concern.
type fakeRepo struct {
	nodes      map[string]*fsNode
	childrenOf map[string][]string
	store      map[bundle.ID]*snapshot.Inode
	nextID     uint64
	created    []createdEntry

	rawSize     uint64
	encodedSize uint64
	bundleCount int
	chunkCount  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nodes:      make(map[string]*fsNode),
		childrenOf: make(map[string][]string),
		store:      make(map[bundle.ID]*snapshot.Inode),
	}
}

func (r *fakeRepo) addDir(path string) {
	r.nodes[path] = &fsNode{name: filepath.Base(path), typ: snapshot.Directory}
	if parent := filepath.Dir(path); parent != path {
		r.childrenOf[parent] = append(r.childrenOf[parent], filepath.Base(path))
	}
}

func (r *fakeRepo) addFile(path string, size uint64) {
	r.nodes[path] = &fsNode{name: filepath.Base(path), typ: snapshot.Regular, size: size}
	if parent := filepath.Dir(path); parent != path {
		r.childrenOf[parent] = append(r.childrenOf[parent], filepath.Base(path))
	}
}

func (r *fakeRepo) Scan(path string, ref *snapshot.Inode) (*snapshot.Inode, error) {
	n, ok := r.nodes[path]
	if !ok {
		return nil, fmt.Errorf("fakeRepo: no such path %s", path)
	}
	return &snapshot.Inode{Name: n.name, Type: n.typ, Size: n.size, ModTime: n.modTime}, nil
}

func (r *fakeRepo) ReadDirNames(path string) ([]string, error) {
	return r.childrenOf[path], nil
}

func (r *fakeRepo) WriteInode(inode *snapshot.Inode) (bundle.ChunkList, error) {
	r.nextID++
	var id bundle.ID
	binary.BigEndian.PutUint64(id[:8], r.nextID)

	clone := *inode
	if inode.Children != nil {
		clone.Children = make(map[string]bundle.ChunkList, len(inode.Children))
		for k, v := range inode.Children {
			clone.Children[k] = v
		}
	}
	r.store[id] = &clone

	r.bundleCount++
	r.chunkCount++
	r.rawSize += inode.Size + 1
	r.encodedSize += inode.Size + 1

	return bundle.ChunkList{{BundleID: id, ChunkIndex: 0}}, nil
}

func (r *fakeRepo) ReadInode(ref bundle.ChunkList) (*snapshot.Inode, error) {
	if len(ref) == 0 {
		return nil, fmt.Errorf("fakeRepo: empty chunk list")
	}
	inode, ok := r.store[ref[0].BundleID]
	if !ok {
		return nil, fmt.Errorf("fakeRepo: unknown inode reference")
	}
	return inode, nil
}

func (r *fakeRepo) CreateEntry(dest string, inode *snapshot.Inode) error {
	r.created = append(r.created, createdEntry{path: dest, inode: inode})
	return nil
}

func (r *fakeRepo) Flush() error { return nil }

func (r *fakeRepo) Info() snapshot.Info {
	return snapshot.Info{
		RawDataSize:     r.rawSize,
		EncodedDataSize: r.encodedSize,
		BundleCount:     r.bundleCount,
		ChunkCount:      r.chunkCount,
	}
}

func buildSampleTree() *fakeRepo {
	repo := newFakeRepo()
	repo.addDir("root")
	repo.addDir("root/sub")
	repo.addFile("root/a.txt", 10)
	repo.addFile("root/sub/b.txt", 20)
	return repo
}

func TestCreateBackupWalksDirectoryTree(t *testing.T) {
	repo := buildSampleTree()

	stats, err := snapshot.CreateBackup(repo, "root", nil, "test-host")
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.FileCount)
	require.Equal(t, uint64(2), stats.DirCount)
	require.Equal(t, uint64(30), stats.TotalDataSize)
	require.Equal(t, uint64(30), stats.ChangedDataSize)
	require.Equal(t, "test-host", stats.Host)
	require.Equal(t, "root", stats.Path)
	require.Len(t, stats.Root, 1)

	rootInode, err := repo.ReadInode(stats.Root)
	require.NoError(t, err)
	require.Equal(t, snapshot.Directory, rootInode.Type)
	require.Len(t, rootInode.Children, 2)
}

func TestCreateBackupSingleFileRootShortCircuits(t *testing.T) {
	repo := newFakeRepo()
	repo.addFile("onlyfile.txt", 42)

	stats, err := snapshot.CreateBackup(repo, "onlyfile.txt", nil, "host")
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.FileCount)
	require.Equal(t, uint64(0), stats.DirCount)

	fileInode, err := repo.ReadInode(stats.Root)
	require.NoError(t, err)
	require.Equal(t, snapshot.Regular, fileInode.Type)
	require.Equal(t, uint64(42), fileInode.Size)
}

func TestCreateBackupSkipsUnchangedContentGivenReference(t *testing.T) {
	repo := buildSampleTree()

	first, err := snapshot.CreateBackup(repo, "root", nil, "host")
	require.NoError(t, err)

	reference, err := repo.ReadInode(first.Root)
	require.NoError(t, err)

	second, err := snapshot.CreateBackup(repo, "root", reference, "host")
	require.NoError(t, err)
	require.Equal(t, first.TotalDataSize, second.TotalDataSize)
	require.Equal(t, uint64(0), second.ChangedDataSize)
}

func TestRestoreInodeTreeRecreatesEveryEntry(t *testing.T) {
	repo := buildSampleTree()
	stats, err := snapshot.CreateBackup(repo, "root", nil, "host")
	require.NoError(t, err)

	require.NoError(t, snapshot.RestoreInodeTree(repo, stats.Root, "/restore/root"))

	var paths []string
	for _, c := range repo.created {
		paths = append(paths, c.path)
	}
	require.ElementsMatch(t, []string{
		"/restore/root",
		"/restore/root/a.txt",
		"/restore/root/sub",
		"/restore/root/sub/b.txt",
	}, paths)
}

func TestGetBackupInodeResolvesNestedPath(t *testing.T) {
	repo := buildSampleTree()
	stats, err := snapshot.CreateBackup(repo, "root", nil, "host")
	require.NoError(t, err)

	inode, err := snapshot.GetBackupInode(repo, stats.Root, "sub/b.txt")
	require.NoError(t, err)
	require.Equal(t, "b.txt", inode.Name)
	require.Equal(t, uint64(20), inode.Size)

	_, err = snapshot.GetBackupInode(repo, stats.Root, "sub/missing.txt")
	require.Error(t, err)
	var notFound *snapshot.NoSuchFileInBackupError
	require.ErrorAs(t, err, &notFound)
}
