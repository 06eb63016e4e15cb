// Package blockdevice defines the raw storage collaborator flash.go writes
// resolved partitions through, plus a file/block-device-backed
// implementation using mmap-go and golang.org/x/sys/unix ioctls (DESIGN.md).
package blockdevice

import "io"

// Device is the raw byte-addressable backing store a Session flashes into.
// Offsets are absolute disk byte offsets; callers (flash.go) are
// responsible for resolving a partition label to its byte range and
// checking bounds before calling into a Device.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Erase fills [offset, offset+size) with the device's erase value
	// (zero, or a TRIM/discard where supported).
	Erase(offset, size int64) error

	// Size returns the device's total addressable size in bytes.
	Size() (int64, error)

	// BlockSize returns the device's logical block size. The flash path
	// does not check writes for block alignment.
	BlockSize() int64

	// Sync flushes any buffered writes, mirroring transport_write's
	// synchronous-completion contract for the storage path.
	Sync() error

	// Close releases the device's resources.
	Close() error
}
