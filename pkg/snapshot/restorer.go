package snapshot

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/josejamilena/zvault/pkg/bundle"
)

type restoreEntry struct {
	path string
	ref  bundle.ChunkList
}

// RestoreInodeTree recreates the tree referenced by root under dest,
// breadth-first: each node is materialized before its children are
// enqueued.
func RestoreInodeTree(repo Repository, root bundle.ChunkList, dest string) error {
	queue := []restoreEntry{{path: dest, ref: root}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		inode, err := repo.ReadInode(item.ref)
		if err != nil {
			return errors.Wrapf(err, "read inode for %s", item.path)
		}
		if err := repo.CreateEntry(item.path, inode); err != nil {
			return errors.Wrapf(err, "create %s", item.path)
		}
		if inode.Type != Directory {
			continue
		}
		for name, childRef := range inode.Children {
			queue = append(queue, restoreEntry{path: filepath.Join(item.path, name), ref: childRef})
		}
	}
	return nil
}

// GetBackupInode traverses the chunk-DAG from root by path components,
// resolving each Normal component against the current inode's Children.
func GetBackupInode(repo Repository, root bundle.ChunkList, subpath string) (*Inode, error) {
	inode, err := repo.ReadInode(root)
	if err != nil {
		return nil, errors.Wrap(err, "read root inode")
	}

	clean := filepath.ToSlash(filepath.Clean(subpath))
	if clean == "." || clean == "" {
		return inode, nil
	}

	for _, component := range strings.Split(clean, "/") {
		if component == "" || component == "." {
			continue
		}
		childRef, ok := inode.Children[component]
		if !ok {
			return nil, &NoSuchFileInBackupError{Path: subpath}
		}
		inode, err = repo.ReadInode(childRef)
		if err != nil {
			return nil, errors.Wrapf(err, "read inode for %s", component)
		}
	}
	return inode, nil
}
