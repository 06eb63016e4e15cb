// Package bootimg parses the Android boot image layout (header plus
// page-aligned kernel/ramdisk/second sections) far enough to locate the
// trailing boot signature a verify.Checker authenticates. A device-tree
// section is not part of the layout it computes.
package bootimg

import (
	"encoding/binary"

	"github.com/kernelflinger/fastbootd/fberr"
)

// Magic is the fixed 8-byte boot image magic.
const Magic = "ANDROID!"

const headerSize = 8 + 4*10 + 16 + 512 + 4*8 + 1024

// Header mirrors the v0/v1 Android boot image header: a fixed layout of
// section sizes/addresses plus page size, used to compute where each
// section (and the trailing signature) begins.
type Header struct {
	KernelSize    uint32
	KernelAddr    uint32
	RamdiskSize   uint32
	RamdiskAddr   uint32
	SecondSize    uint32
	SecondAddr    uint32
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32
	OSVersion     uint32
	Name          [16]byte
	Cmdline       [512]byte
	ID            [8]uint32
	ExtraCmdline  [1024]byte
}

// Image is a parsed boot image: its header plus the byte ranges of each
// section within the original buffer.
type Image struct {
	Header Header
	Raw    []byte

	KernelOffset  int
	RamdiskOffset int
	SecondOffset  int
	SignatureOffset int
}

func alignPage(off, pageSize uint32) uint32 {
	if pageSize == 0 {
		return off
	}
	rem := off % pageSize
	if rem == 0 {
		return off
	}
	return off + (pageSize - rem)
}

// Parse decodes a boot image's header and computes its section offsets,
// per the page-aligned layout: header, kernel, ramdisk, second, each
// padded up to the next page boundary. No device-tree size is read, so the
// signature is taken to start right after the second-stage section.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize || string(data[0:8]) != Magic {
		return nil, fberr.New(fberr.VerificationError, "not an Android boot image")
	}

	var h Header
	h.KernelSize = binary.LittleEndian.Uint32(data[8:12])
	h.KernelAddr = binary.LittleEndian.Uint32(data[12:16])
	h.RamdiskSize = binary.LittleEndian.Uint32(data[16:20])
	h.RamdiskAddr = binary.LittleEndian.Uint32(data[20:24])
	h.SecondSize = binary.LittleEndian.Uint32(data[24:28])
	h.SecondAddr = binary.LittleEndian.Uint32(data[28:32])
	h.TagsAddr = binary.LittleEndian.Uint32(data[32:36])
	h.PageSize = binary.LittleEndian.Uint32(data[36:40])
	h.HeaderVersion = binary.LittleEndian.Uint32(data[40:44])
	h.OSVersion = binary.LittleEndian.Uint32(data[44:48])
	copy(h.Name[:], data[48:64])
	copy(h.Cmdline[:], data[64:576])
	for i := 0; i < 8; i++ {
		h.ID[i] = binary.LittleEndian.Uint32(data[576+i*4 : 580+i*4])
	}
	copy(h.ExtraCmdline[:], data[608:1632])

	if h.PageSize == 0 {
		return nil, fberr.New(fberr.VerificationError, "boot image page size is zero")
	}

	pageAligned := alignPage(uint32(headerSize), h.PageSize)
	kernelPages := alignPage(h.KernelSize, h.PageSize)
	ramdiskPages := alignPage(h.RamdiskSize, h.PageSize)
	secondPages := alignPage(h.SecondSize, h.PageSize)

	kernelOff := pageAligned
	ramdiskOff := kernelOff + kernelPages
	secondOff := ramdiskOff + ramdiskPages
	sigOff := secondOff + secondPages

	if int(sigOff) > len(data) {
		return nil, fberr.New(fberr.VerificationError, "boot image shorter than its declared sections")
	}

	return &Image{
		Header:          h,
		Raw:             data,
		KernelOffset:    int(kernelOff),
		RamdiskOffset:   int(ramdiskOff),
		SecondOffset:    int(secondOff),
		SignatureOffset: int(sigOff),
	}, nil
}

// encodeHeader serializes h back into the fixed header layout Parse reads,
// used by Splice to rebuild a header with an updated kernel size.
func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.KernelSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.KernelAddr)
	binary.LittleEndian.PutUint32(buf[16:20], h.RamdiskSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.RamdiskAddr)
	binary.LittleEndian.PutUint32(buf[24:28], h.SecondSize)
	binary.LittleEndian.PutUint32(buf[28:32], h.SecondAddr)
	binary.LittleEndian.PutUint32(buf[32:36], h.TagsAddr)
	binary.LittleEndian.PutUint32(buf[36:40], h.PageSize)
	binary.LittleEndian.PutUint32(buf[40:44], h.HeaderVersion)
	binary.LittleEndian.PutUint32(buf[44:48], h.OSVersion)
	copy(buf[48:64], h.Name[:])
	copy(buf[64:576], h.Cmdline[:])
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(buf[576+i*4:580+i*4], h.ID[i])
	}
	copy(buf[608:1632], h.ExtraCmdline[:])
	return buf
}

// Splice rebuilds data's boot image with its kernel section replaced by
// newKernel: the original header is kept (with kernel_size updated to
// len(newKernel)), the kernel is written at the header's page-aligned
// offset, and the existing ramdisk and second-stage sections are copied
// forward at their new page-aligned offsets, backing the "zimage" flash
// label's splice operation.
func Splice(data []byte, newKernel []byte) ([]byte, error) {
	img, err := Parse(data)
	if err != nil {
		return nil, err
	}
	pageSize := img.Header.PageSize

	oldKernelPages := uint32(img.RamdiskOffset - img.KernelOffset)
	newKernelPages := alignPage(uint32(len(newKernel)), pageSize)
	newTotal := uint32(img.SignatureOffset) - oldKernelPages + newKernelPages

	h := img.Header
	h.KernelSize = uint32(len(newKernel))

	out := make([]byte, newTotal)
	copy(out, encodeHeader(h))

	kernelOff := img.KernelOffset
	copy(out[kernelOff:], newKernel)

	ramdiskOff := kernelOff + int(newKernelPages)
	copy(out[ramdiskOff:], data[img.RamdiskOffset:img.SecondOffset])

	ramdiskPages := alignPage(h.RamdiskSize, pageSize)
	secondOff := ramdiskOff + int(ramdiskPages)
	copy(out[secondOff:], data[img.SecondOffset:img.SignatureOffset])

	return out, nil
}

// SignedContent returns the byte range the boot signature's
// AuthenticatedAttributes.target covers: everything up to (not including)
// the signature itself.
func (img *Image) SignedContent() []byte {
	return img.Raw[:img.SignatureOffset]
}

// Signature returns whatever bytes follow the last declared section, which
// is where a trailing boot signature (if any) lives. An image with no
// signature simply has zero trailing bytes.
func (img *Image) Signature() []byte {
	return img.Raw[img.SignatureOffset:]
}
