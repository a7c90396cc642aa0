package snapshot

import "fmt"

// NoSuchFileInBackupError is returned by GetBackupInode when a path
// component has no matching entry in the inode tree.
type NoSuchFileInBackupError struct {
	Path string
}

func (e *NoSuchFileInBackupError) Error() string {
	return fmt.Sprintf("snapshot: no such file in backup: %s", e.Path)
}
