package fastboot_test

import (
	"strings"
	"testing"

	fastboot "github.com/kernelflinger/fastbootd"
	"github.com/kernelflinger/fastbootd/bootimg"
	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/gpt"
	"github.com/kernelflinger/fastbootd/transport"
)

// memDevice is an in-memory blockdevice.Device backing flash.go's tests.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.buf[off:], p)
	return n, nil
}

func (d *memDevice) Erase(offset, size int64) error {
	for i := offset; i < offset+size; i++ {
		d.buf[i] = 0
	}
	return nil
}

func (d *memDevice) Size() (int64, error) { return int64(len(d.buf)), nil }
func (d *memDevice) BlockSize() int64     { return 512 }
func (d *memDevice) Sync() error          { return nil }
func (d *memDevice) Close() error         { return nil }

// fakeGPT is a minimal gpt.Service + gpt.ESPWriter test double: a flat list
// of partitions on the USER lun, plus an in-memory ESP file store.
type fakeGPT struct {
	parts    []gpt.Partition
	espFiles map[string][]byte
}

func newFakeGPT(parts ...gpt.Partition) *fakeGPT {
	return &fakeGPT{parts: parts, espFiles: map[string][]byte{}}
}

func (g *fakeGPT) ListPartitions(lun gpt.LogicalUnit) ([]gpt.Partition, error) {
	return g.parts, nil
}

func (g *fakeGPT) GetPartitionByLabel(label string, lun gpt.LogicalUnit) (gpt.Partition, error) {
	for _, p := range g.parts {
		if p.Name == label {
			return p, nil
		}
	}
	return gpt.Partition{}, fberr.New(fberr.NotAllowed, "unknown partition %q", label)
}

func (g *fakeGPT) Create(startLBA uint64, partitions []gpt.Partition, lun gpt.LogicalUnit) error {
	g.parts = partitions
	return nil
}

func (g *fakeGPT) Refresh(lun gpt.LogicalUnit) error { return nil }

func (g *fakeGPT) WriteESPFile(lun gpt.LogicalUnit, path string, data []byte) error {
	g.espFiles[path] = append([]byte(nil), data...)
	return nil
}

func newFlashTestSession(t *testing.T, debugBuild bool, parts ...gpt.Partition) (*fastboot.Session, *fakeGPT, *memDevice) {
	t.Helper()
	loop, _ := transport.NewLoopback()
	g := newFakeGPT(parts...)
	dev := newMemDevice(16 * 1024 * 1024)
	cfg := fastboot.Config{Product: "teapot", DebugBuild: debugBuild}
	s := fastboot.NewSession(cfg, loop, g, dev, nil)
	s.SetLockState(fastboot.Unlocked)
	return s, g, dev
}

func bootPartition(startLBA, endLBA uint64) gpt.Partition {
	return gpt.Partition{Name: "boot", BlockSize: 512, StartLBA: startLBA, EndLBA: endLBA}
}

func TestFlashPartitionBootloaderDelegatesToGenericWrite(t *testing.T) {
	part := gpt.Partition{Name: "bootloader", BlockSize: 512, StartLBA: 2, EndLBA: 2 + 2047}
	s, _, dev := newFlashTestSession(t, false, part)

	payload := []byte("bootloader image")
	if err := s.FlashPartition("bootloader", payload); err != nil {
		t.Fatalf("flash bootloader: %v", err)
	}
	start, _ := part.ByteRange()
	got := dev.buf[start : start+uint64(len(payload))]
	if string(got) != string(payload) {
		t.Fatalf("bootloader partition content = %q, want %q", got, payload)
	}
}

func TestFlashPartitionMBRRequiresDebugBuild(t *testing.T) {
	s, _, _ := newFlashTestSession(t, false)
	err := s.FlashPartition("mbr", make([]byte, 100))
	if err == nil {
		t.Fatalf("expected mbr flashing to fail on a non-debug build")
	}
	if fberr.KindOf(err) != fberr.NotAllowed {
		t.Fatalf("kind = %v, want NotAllowed", fberr.KindOf(err))
	}
}

func TestFlashPartitionMBRWritesOnDebugBuild(t *testing.T) {
	s, _, dev := newFlashTestSession(t, true)
	payload := []byte("protective mbr boot code")
	if err := s.FlashPartition("mbr", payload); err != nil {
		t.Fatalf("flash mbr: %v", err)
	}
	if string(dev.buf[:len(payload)]) != string(payload) {
		t.Fatalf("mbr content not written at lba 0")
	}
}

func TestFlashPartitionMBRRejectsOversizePayload(t *testing.T) {
	s, _, _ := newFlashTestSession(t, true)
	err := s.FlashPartition("mbr", make([]byte, 441))
	if err == nil {
		t.Fatalf("expected an oversize mbr payload to be rejected")
	}
	if fberr.KindOf(err) != fberr.InvalidParameter {
		t.Fatalf("kind = %v, want InvalidParameter", fberr.KindOf(err))
	}
}

func TestFlashPartitionSfuWritesESPFile(t *testing.T) {
	s, g, _ := newFlashTestSession(t, true)
	payload := []byte("firmware update")
	if err := s.FlashPartition("sfu", payload); err != nil {
		t.Fatalf("flash sfu: %v", err)
	}
	if string(g.espFiles["BIOSUPDATE.fv"]) != string(payload) {
		t.Fatalf("esp file BIOSUPDATE.fv = %q, want %q", g.espFiles["BIOSUPDATE.fv"], payload)
	}
}

func TestFlashPartitionIfwiWritesESPFile(t *testing.T) {
	s, g, _ := newFlashTestSession(t, true)
	payload := []byte("ifwi blob")
	if err := s.FlashPartition("ifwi", payload); err != nil {
		t.Fatalf("flash ifwi: %v", err)
	}
	if string(g.espFiles["ifwi.bin"]) != string(payload) {
		t.Fatalf("esp file ifwi.bin = %q, want %q", g.espFiles["ifwi.bin"], payload)
	}
}

func TestFlashPartitionESPPassthrough(t *testing.T) {
	s, g, _ := newFlashTestSession(t, true)
	payload := []byte("arbitrary esp content")
	if err := s.FlashPartition("/ESP/sub/dir/file.bin", payload); err != nil {
		t.Fatalf("flash esp passthrough: %v", err)
	}
	if string(g.espFiles["sub/dir/file.bin"]) != string(payload) {
		t.Fatalf("esp file sub/dir/file.bin = %q, want %q", g.espFiles["sub/dir/file.bin"], payload)
	}
}

func TestFlashPartitionESPRequiresDebugBuild(t *testing.T) {
	s, _, _ := newFlashTestSession(t, false)
	err := s.FlashPartition("/ESP/foo.bin", []byte("x"))
	if err == nil || fberr.KindOf(err) != fberr.NotAllowed {
		t.Fatalf("expected esp passthrough to be rejected off a debug build, got %v", err)
	}
}

func buildZimageBootImage(t *testing.T, kernel, ramdisk []byte) []byte {
	t.Helper()
	const pageSize = 4096
	header := make([]byte, 1632)
	copy(header[0:8], "ANDROID!")
	putLE32(header, 8, uint32(len(kernel)))
	putLE32(header, 16, uint32(len(ramdisk)))
	putLE32(header, 36, pageSize)

	pageAlign := func(n int) int {
		if n%pageSize == 0 {
			return n
		}
		return n + (pageSize - n%pageSize)
	}

	total := pageAlign(len(header)) + pageAlign(len(kernel)) + pageAlign(len(ramdisk))
	out := make([]byte, total)
	copy(out, header)
	off := pageAlign(len(header))
	copy(out[off:], kernel)
	off += pageAlign(len(kernel))
	copy(out[off:], ramdisk)
	return out
}

func putLE32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func TestFlashPartitionZimageSplicesNewKernel(t *testing.T) {
	existing := buildZimageBootImage(t, []byte("old kernel bytes"), []byte("ramdisk payload"))
	part := bootPartition(2, 2+2047)
	s, _, dev := newFlashTestSession(t, false, part)

	start, _ := part.ByteRange()
	copy(dev.buf[start:], existing)

	newKernel := []byte("a brand new kernel, longer than the old one by quite a bit")
	if err := s.FlashPartition("zimage", newKernel); err != nil {
		t.Fatalf("flash zimage: %v", err)
	}

	out := make([]byte, part.Size())
	copy(out, dev.buf[start:start+part.Size()])
	img, err := bootimg.Parse(out)
	if err != nil {
		t.Fatalf("parse spliced boot image: %v", err)
	}
	if img.Header.KernelSize != uint32(len(newKernel)) {
		t.Fatalf("kernel size = %d, want %d", img.Header.KernelSize, len(newKernel))
	}
	gotKernel := out[img.KernelOffset : img.KernelOffset+len(newKernel)]
	if string(gotKernel) != string(newKernel) {
		t.Fatalf("spliced kernel content mismatch")
	}
	gotRamdisk := out[img.RamdiskOffset : img.RamdiskOffset+int(img.Header.RamdiskSize)]
	if string(gotRamdisk) != "ramdisk payload" {
		t.Fatalf("ramdisk content = %q, want preserved original", gotRamdisk)
	}
}

func TestFlashPartitionZimageRejectsBlankPartition(t *testing.T) {
	part := bootPartition(2, 2+2047)
	s, _, _ := newFlashTestSession(t, false, part)

	err := s.FlashPartition("zimage", []byte("new kernel"))
	if err == nil {
		t.Fatalf("expected zimage splice against a blank partition to fail")
	}
	if fberr.KindOf(err) != fberr.VerificationError {
		t.Fatalf("kind = %v, want VerificationError", fberr.KindOf(err))
	}
}

func TestFlashPartitionAuthorizationWithoutVerifierIsNotAllowed(t *testing.T) {
	s, _, _ := newFlashTestSession(t, false)
	err := s.FlashPartition("authorization", []byte("anything"))
	if err == nil || fberr.KindOf(err) != fberr.NotAllowed {
		t.Fatalf("expected authorization without a configured verifier to be NotAllowed, got %v", err)
	}
}

func TestErasePartitionProhibitedWhileLocked(t *testing.T) {
	part := gpt.Partition{Name: "userdata", BlockSize: 512, StartLBA: 2, EndLBA: 2 + 2047}
	s, _, _ := newFlashTestSession(t, false, part)
	s.SetLockState(fastboot.Locked)

	err := s.ErasePartition("userdata")
	if err == nil {
		t.Fatalf("expected erase to be prohibited while locked")
	}
	if fberr.KindOf(err) != fberr.Prohibited {
		t.Fatalf("kind = %v, want Prohibited", fberr.KindOf(err))
	}
}

func TestErasePartitionAllowedWhenUnlocked(t *testing.T) {
	part := gpt.Partition{Name: "userdata", BlockSize: 512, StartLBA: 2, EndLBA: 2 + 2047}
	s, _, dev := newFlashTestSession(t, false, part)

	start, _ := part.ByteRange()
	dev.buf[start] = 0xFF

	if err := s.ErasePartition("userdata"); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if dev.buf[start] != 0 {
		t.Fatalf("expected erase to zero the partition's first byte")
	}
}

func TestFlashPartitionLockedRejectsNonWhitelistedLabel(t *testing.T) {
	part := gpt.Partition{Name: "system", BlockSize: 512, StartLBA: 2, EndLBA: 2 + 2047}
	s, _, _ := newFlashTestSession(t, false, part)
	s.SetLockState(fastboot.Locked)

	err := s.FlashPartition("system", []byte("x"))
	if err == nil {
		t.Fatalf("expected flashing a non-whitelisted label while locked to fail")
	}
	if fberr.KindOf(err) != fberr.Prohibited {
		t.Fatalf("kind = %v, want Prohibited", fberr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "locked") {
		t.Fatalf("error message %q should mention the lock state", err.Error())
	}
}
