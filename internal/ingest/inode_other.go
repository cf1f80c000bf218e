//go:build !linux

package ingest

import "os"

// fileInode falls back to the file's name when the platform doesn't expose
// a stat-level inode number. Rotation detection degrades to path-based
// resume on these platforms.
func fileInode(f *os.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return info.Name(), nil
}
