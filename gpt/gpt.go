// Package gpt defines the GPT partitioning collaborator fastbootd depends
// on, plus one concrete implementation backed by github.com/diskfs/go-diskfs.
// The GPT partition table reader/writer is an external collaborator; this
// package is the interface boundary plus a real backing implementation so
// the module is buildable standalone.
package gpt

import (
	"encoding/binary"

	"github.com/kernelflinger/fastbootd/fberr"
)

// LogicalUnit distinguishes the USER LUN from the FACTORY LUN on a
// multi-LUN storage device.
type LogicalUnit int

const (
	LogicalUnitUser LogicalUnit = iota
	LogicalUnitFactory
)

// TypeGUID identifies a partition's GPT type, used to classify the
// fastboot partition-type variable.
type TypeGUID [16]byte

// Well-known partition type GUIDs.
var (
	TypeLinuxData = TypeGUID{0xaf, 0x3d, 0xc6, 0x0f, 0x83, 0x84, 0x72, 0x47,
		0x8e, 0x79, 0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4}
	TypeEFISystem = TypeGUID{0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b}
)

// Partition is an opaque partition descriptor: a handle plus the geometry
// needed to validate in-bounds writes.
type Partition struct {
	Name       string
	Type       TypeGUID
	UniqueGUID [16]byte
	BlockSize  uint64
	StartLBA   uint64
	EndLBA     uint64 // inclusive, per GPT convention
}

// ByteRange returns the inclusive-start/exclusive-end byte offsets this
// partition occupies on its backing disk.
func (p Partition) ByteRange() (start, end uint64) {
	return p.StartLBA * p.BlockSize, (p.EndLBA + 1) * p.BlockSize
}

// Size is the partition's capacity in bytes.
func (p Partition) Size() uint64 {
	start, end := p.ByteRange()
	return end - start
}

// Contains reports whether [offset, offset+size) lies entirely within the
// partition.
func (p Partition) Contains(offset, size uint64) bool {
	start, end := p.ByteRange()
	return offset >= start && offset+size <= end
}

// Service is the GPT collaborator: enumerate partitions, resolve a label
// to a descriptor, and rewrite the table (the "gpt"/"gpt-gpp1" special
// labels).
type Service interface {
	ListPartitions(lun LogicalUnit) ([]Partition, error)
	GetPartitionByLabel(label string, lun LogicalUnit) (Partition, error)
	// Create rewrites the partition table on lun starting at startLBA with
	// the given partitions (the "gpt"/"gpt-gpp1" flash labels).
	Create(startLBA uint64, partitions []Partition, lun LogicalUnit) error
	// Refresh re-reads the table after a write that may have changed
	// partition geometry.
	Refresh(lun LogicalUnit) error
}

// ESPWriter writes a file into a LUN's EFI System Partition filesystem,
// backing the debug-build-only ESP-targeted flash labels ("sfu", "ifwi",
// and the "/ESP/<path>" passthrough).
type ESPWriter interface {
	WriteESPFile(lun LogicalUnit, path string, data []byte) error
}

// BinMagic is the little-endian magic of the gpt-bin wire format accepted
// by the "flash gpt" / "flash gpt-gpp1" commands.
const BinMagic = 0x0EAD0EAD

// binHeader is the little-endian gpt-bin file header.
type binHeader struct {
	Magic    uint32
	_        uint32 // padding to align StartLBA on an 8-byte boundary
	StartLBA uint64
	NPart    uint32
	_        uint32 // padding
}

// binPartRecord is one gpt-bin partition record: a UTF-16 name, two GUIDs,
// LBA range and attributes.
type binPartRecord struct {
	NameUTF16  [36]uint16
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	StartLBA   uint64
	EndLBA     uint64
	Attributes uint64
}

const (
	binHeaderSize = 4 + 4 + 8 + 4 + 4
	binPartSize   = 36*2 + 16 + 16 + 8 + 8 + 8
)

// ParseBin decodes a gpt-bin blob into a start LBA and partition list,
// validating that the blob starts with a well-formed GPT-bin header
// (magic, npart, and a total size matching sizeof(header) +
// npart*sizeof(part)).
func ParseBin(data []byte) (startLBA uint64, partitions []Partition, err error) {
	if len(data) < binHeaderSize {
		return 0, nil, fberr.New(fberr.InvalidParameter, "gpt-bin blob too small for header")
	}
	var hdr binHeader
	hdr.Magic = binary.LittleEndian.Uint32(data[0:4])
	hdr.StartLBA = binary.LittleEndian.Uint64(data[8:16])
	hdr.NPart = binary.LittleEndian.Uint32(data[16:20])

	if hdr.Magic != BinMagic {
		return 0, nil, fberr.New(fberr.InvalidParameter, "invalid gpt-bin magic 0x%08X", hdr.Magic)
	}
	wantSize := binHeaderSize + int(hdr.NPart)*binPartSize
	if len(data) != wantSize {
		return 0, nil, fberr.New(fberr.InvalidParameter,
			"invalid gpt-bin size: got %d want %d (npart=%d)", len(data), wantSize, hdr.NPart)
	}

	partitions = make([]Partition, hdr.NPart)
	off := binHeaderSize
	for i := range partitions {
		rec := data[off : off+binPartSize]
		var p Partition
		name := make([]uint16, 36)
		for j := 0; j < 36; j++ {
			name[j] = binary.LittleEndian.Uint16(rec[j*2 : j*2+2])
		}
		p.Name = utf16ToString(name)
		copy(p.Type[:], rec[72:88])
		copy(p.UniqueGUID[:], rec[88:104])
		p.StartLBA = binary.LittleEndian.Uint64(rec[104:112])
		p.EndLBA = binary.LittleEndian.Uint64(rec[112:120])
		partitions[i] = p
		off += binPartSize
	}
	return hdr.StartLBA, partitions, nil
}

func utf16ToString(u []uint16) string {
	n := 0
	for n < len(u) && u[n] != 0 {
		n++
	}
	b := make([]byte, 0, n)
	for _, c := range u[:n] {
		b = append(b, byte(c))
	}
	return string(b)
}

// ClassifyType maps a partition type GUID to the fastboot partition-type
// vocabulary (ext4/vfat/none).
func ClassifyType(t TypeGUID) string {
	switch t {
	case TypeLinuxData:
		return "ext4"
	case TypeEFISystem:
		return "vfat"
	default:
		return "none"
	}
}
