//go:build linux

package ingest

import (
	"os"
	"strconv"
	"syscall"
)

// fileInode returns the inode number of the open file as a stable string
// identifier, used to detect log rotation: a rotated file keeps its path
// but gets a new inode, so a reader resuming by (path, offset) alone would
// silently read the wrong generation of the file.
func fileInode(f *os.File) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Name(), nil
	}
	return strconv.FormatUint(stat.Ino, 10), nil
}
