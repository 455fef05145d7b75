package main

import "syscall"

// diskFreeBytes reports free space on the filesystem backing path via
// statfs, the concrete builder.DiskUsage implementation for this platform.
func diskFreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
