package snapshot

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/josejamilena/zvault/pkg/backup"
	"github.com/josejamilena/zvault/pkg/bundle"
)

type scanEntry struct {
	path string
	ref  *Inode
}

func parentOf(path string) string { return filepath.Dir(path) }

// CreateBackup walks root, consulting reference (the corresponding inode
// from a previous backup, or nil for a fresh tree) to skip rechunking
// unchanged content, and returns the resulting Backup record. It does not
// write the snapshot file itself - that is the backup package's job, once
// the caller has named the backup.
func CreateBackup(repo Repository, root string, reference *Inode, host string) (*backup.Backup, error) {
	start := time.Now()
	before := repo.Info()

	stats := &backup.Backup{Host: host, Path: root}

	scanStack := []scanEntry{{path: root, ref: reference}}
	var saveStack []string
	directories := make(map[string]*Inode)
	var singleFileRoot *bundle.ChunkList

	for len(scanStack) > 0 {
		item := scanStack[len(scanStack)-1]
		scanStack = scanStack[:len(scanStack)-1]

		inode, err := repo.Scan(item.path, item.ref)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", item.path)
		}

		stats.TotalDataSize += inode.Size
		if item.ref == nil || !item.ref.IsUnchanged(inode) {
			stats.ChangedDataSize += inode.Size
		}

		if inode.Type == Directory {
			stats.DirCount++
			inode.Children = make(map[string]bundle.ChunkList)
			directories[item.path] = inode
			saveStack = append(saveStack, item.path)

			names, err := repo.ReadDirNames(item.path)
			if err != nil {
				return nil, errors.Wrapf(err, "read directory %s", item.path)
			}
			for _, name := range names {
				childPath := filepath.Join(item.path, name)
				var childRef *Inode
				if item.ref != nil {
					if cl, ok := item.ref.Children[name]; ok {
						if resolved, err := repo.ReadInode(cl); err == nil {
							childRef = resolved
						}
					}
				}
				scanStack = append(scanStack, scanEntry{path: childPath, ref: childRef})
			}
			continue
		}

		stats.FileCount++
		cl, err := repo.WriteInode(inode)
		if err != nil {
			return nil, errors.Wrapf(err, "write inode %s", item.path)
		}

		parentPath := parentOf(item.path)
		if parent, ok := directories[parentPath]; ok {
			parent.Children[filepath.Base(item.path)] = cl
		} else {
			// Open-question resolution: a backup rooted at a single file has
			// no enclosing directory to drive the save phase, so its own
			// chunk list is the backup root outright.
			root := cl
			singleFileRoot = &root
		}
	}

	var rootList bundle.ChunkList
	if singleFileRoot != nil {
		rootList = *singleFileRoot
	} else {
		for len(saveStack) > 0 {
			path := saveStack[len(saveStack)-1]
			saveStack = saveStack[:len(saveStack)-1]

			inode := directories[path]
			cl, err := repo.WriteInode(inode)
			if err != nil {
				return nil, errors.Wrapf(err, "write directory inode %s", path)
			}
			delete(directories, path)

			parentPath := parentOf(path)
			if parent, ok := directories[parentPath]; ok {
				parent.Children[filepath.Base(path)] = cl
			} else {
				rootList = cl
			}
		}
	}
	stats.Root = rootList

	if err := repo.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush repository")
	}
	stats.Date = start.Unix()
	stats.Duration = time.Since(start).Seconds()

	after := repo.Info()
	stats.DeduplicatedDataSize = after.RawDataSize - before.RawDataSize
	stats.EncodedDataSize = after.EncodedDataSize - before.EncodedDataSize
	stats.BundleCount = uint64(after.BundleCount - before.BundleCount)
	stats.ChunkCount = uint64(after.ChunkCount - before.ChunkCount)
	if stats.ChunkCount > 0 {
		stats.AvgChunkSize = float64(stats.DeduplicatedDataSize) / float64(stats.ChunkCount)
	}

	return stats, nil
}
