//go:build windows

package utils

import "golang.org/x/sys/windows"

// DiskFree reports usage of the volume containing path.
func DiskFree(path string) (DiskUsage, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return DiskUsage{}, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{Free: avail, Total: total}, nil
}
