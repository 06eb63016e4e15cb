//go:build linux

package blockdevice

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kernelflinger/fastbootd/fberr"
)

// ioctlBlockSize asks the kernel for the device's logical block size via
// BLKSSZGET (DESIGN.md).
func ioctlBlockSize(f *os.File) (int64, bool) {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, false
	}
	return int64(sz), true
}

// ioctlDeviceSize asks the kernel for the device's total byte size via
// BLKGETSIZE64. BLKGETSIZE64 carries a 64-bit out-parameter that
// IoctlGetInt cannot represent, so this goes through the raw syscall.
func ioctlDeviceSize(f *os.File) (int64, bool) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, false
	}
	return int64(size), true
}

// blkDiscardRange is the argument pair BLKDISCARD expects: {start, len} in
// bytes.
type blkDiscardRange struct {
	Start uint64
	Len   uint64
}

// ioctlDiscard issues BLKDISCARD over [offset, offset+size), letting the
// underlying flash controller erase the range instead of fastbootd writing
// zero bytes itself.
func ioctlDiscard(f *os.File, offset, size int64) error {
	r := blkDiscardRange{Start: uint64(offset), Len: uint64(size)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.BLKDISCARD), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fberr.Wrap(fberr.FlashError, errno, "BLKDISCARD offset=%d size=%d", offset, size)
	}
	return nil
}
