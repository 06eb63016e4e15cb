//go:build !linux

package blockdevice

import "os"

// Non-Linux builds (the demo binary and its tests run fine on any host)
// fall back to stat-based sizing and skip the discard ioctl entirely; see
// file_linux.go for the real-device path.

func ioctlBlockSize(f *os.File) (int64, bool) { return 0, false }

func ioctlDeviceSize(f *os.File) (int64, bool) { return 0, false }

func ioctlDiscard(f *os.File, offset, size int64) error { return errUnsupported }

var errUnsupported = &unsupportedError{}

type unsupportedError struct{}

func (*unsupportedError) Error() string { return "blockdevice: discard ioctl unsupported on this platform" }
