package gpt

import (
	"os"
	"sync"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/kernelflinger/fastbootd/fberr"
)

// DiskfsService implements Service against a real disk image or block
// device using github.com/diskfs/go-diskfs, opening the disk and walking
// its partition table the way go-diskfs consumers commonly do (DESIGN.md).
type DiskfsService struct {
	mu       sync.Mutex
	userPath string
	factory  string // optional separate FACTORY LUN image path

	userParts    []Partition
	factoryParts []Partition
}

// NewDiskfsService opens userPath (and, if non-empty, factoryPath) as the
// USER and FACTORY LUNs and reads their current partition tables.
func NewDiskfsService(userPath, factoryPath string) (*DiskfsService, error) {
	s := &DiskfsService{userPath: userPath, factory: factoryPath}
	if err := s.Refresh(LogicalUnitUser); err != nil {
		return nil, err
	}
	if factoryPath != "" {
		if err := s.Refresh(LogicalUnitFactory); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DiskfsService) pathFor(lun LogicalUnit) (string, error) {
	switch lun {
	case LogicalUnitUser:
		return s.userPath, nil
	case LogicalUnitFactory:
		if s.factory == "" {
			return "", fberr.New(fberr.NotAllowed, "no FACTORY lun configured")
		}
		return s.factory, nil
	default:
		return "", fberr.New(fberr.InvalidParameter, "unknown lun %d", lun)
	}
}

// Refresh re-opens lun's backing image and reloads its partition table,
// invoked after any write that may change partition geometry.
func (s *DiskfsService) Refresh(lun LogicalUnit) error {
	path, err := s.pathFor(lun)
	if err != nil {
		return err
	}

	disk, err := diskfs.Open(path)
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "open disk %s", path)
	}

	table, err := disk.GetPartitionTable()
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "read partition table on %s", path)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return fberr.New(fberr.FlashError, "%s does not have a GPT partition table", path)
	}

	blockSize := uint64(disk.LogicalBlocksize)
	parts := make([]Partition, 0, len(gptTable.Partitions))
	for _, p := range gptTable.Partitions {
		if p.Start == 0 && p.End == 0 {
			continue
		}
		parts = append(parts, Partition{
			Name:       p.Name,
			Type:       parseTypeGUID(p.Type),
			BlockSize:  blockSize,
			StartLBA:   p.Start,
			EndLBA:     p.End,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lun == LogicalUnitUser {
		s.userParts = parts
	} else {
		s.factoryParts = parts
	}
	return nil
}

// ListPartitions returns lun's current partition table, as read at the most
// recent Refresh.
func (s *DiskfsService) ListPartitions(lun LogicalUnit) ([]Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch lun {
	case LogicalUnitUser:
		out := make([]Partition, len(s.userParts))
		copy(out, s.userParts)
		return out, nil
	case LogicalUnitFactory:
		out := make([]Partition, len(s.factoryParts))
		copy(out, s.factoryParts)
		return out, nil
	default:
		return nil, fberr.New(fberr.InvalidParameter, "unknown lun %d", lun)
	}
}

// GetPartitionByLabel resolves label to its partition descriptor, or
// fberr.NotAllowed ("unknown partition") if no partition has that name.
func (s *DiskfsService) GetPartitionByLabel(label string, lun LogicalUnit) (Partition, error) {
	parts, err := s.ListPartitions(lun)
	if err != nil {
		return Partition{}, err
	}
	for _, p := range parts {
		if p.Name == label {
			return p, nil
		}
	}
	return Partition{}, fberr.New(fberr.NotAllowed, "unknown partition %q", label)
}

// Create rewrites lun's partition table starting at startLBA with
// partitions, backing the "flash gpt"/"flash gpt-gpp1" special labels.
// go-diskfs's GPT writer always lays the table out from LBA 2 per the
// UEFI spec; startLBA is retained for parity with the gpt-bin format's
// header field and validated against it.
func (s *DiskfsService) Create(startLBA uint64, partitions []Partition, lun LogicalUnit) error {
	path, err := s.pathFor(lun)
	if err != nil {
		return err
	}
	if startLBA != 0 && startLBA != 2 {
		return fberr.New(fberr.InvalidParameter, "gpt-bin start_lba %d unsupported (expect 2)", startLBA)
	}

	disk, err := diskfs.Open(path)
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "open disk %s for writing", path)
	}

	blockSize := uint64(disk.LogicalBlocksize)
	gptParts := make([]*gpt.Partition, 0, len(partitions))
	for _, p := range partitions {
		gptParts = append(gptParts, &gpt.Partition{
			Start: p.StartLBA,
			End:   p.EndLBA,
			Size:  (p.EndLBA - p.StartLBA + 1) * blockSize,
			Name:  p.Name,
			Type:  formatTypeGUID(p.Type),
		})
	}
	table := &gpt.Table{
		Partitions:         gptParts,
		LogicalSectorSize:  int(blockSize),
		PhysicalSectorSize: int(blockSize),
	}
	if err := disk.Partition(table); err != nil {
		return fberr.Wrap(fberr.FlashError, err, "write partition table to %s", path)
	}
	return s.Refresh(lun)
}

// WriteESPFile writes data to path inside lun's EFI System Partition
// filesystem, reached through go-diskfs's disk.GetFilesystem on the
// partition's 1-based index.
func (s *DiskfsService) WriteESPFile(lun LogicalUnit, path string, data []byte) error {
	diskPath, err := s.pathFor(lun)
	if err != nil {
		return err
	}
	parts, err := s.ListPartitions(lun)
	if err != nil {
		return err
	}
	index := -1
	for i, p := range parts {
		if p.Type == TypeEFISystem {
			index = i + 1 // go-diskfs partition numbers are 1-based
			break
		}
	}
	if index < 0 {
		return fberr.New(fberr.NotAllowed, "no EFI system partition found on %s", diskPath)
	}

	disk, err := diskfs.Open(diskPath)
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "open disk %s", diskPath)
	}
	fs, err := disk.GetFilesystem(index)
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "open esp filesystem on %s", diskPath)
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fberr.Wrap(fberr.FlashError, err, "open esp file %q", path)
	}
	if _, err := f.Write(data); err != nil {
		return fberr.Wrap(fberr.FlashError, err, "write esp file %q", path)
	}
	return nil
}

// Well-known GPT partition type GUID strings, in the string form
// go-diskfs's gpt.Partition.Type field uses directly.
const (
	linuxFilesystemGUID = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	efiSystemGUID        = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
)

// parseTypeGUID converts go-diskfs's string GUID representation into this
// package's fixed-size TypeGUID, falling back to the zero value for a GUID
// it cannot parse (an unrecognized/malformed type just classifies as
// "none" via ClassifyType).
func parseTypeGUID(s gpt.Type) TypeGUID {
	switch string(s) {
	case linuxFilesystemGUID:
		return TypeLinuxData
	case efiSystemGUID:
		return TypeEFISystem
	default:
		return TypeGUID{}
	}
}

func formatTypeGUID(t TypeGUID) gpt.Type {
	switch t {
	case TypeLinuxData:
		return gpt.Type(linuxFilesystemGUID)
	case TypeEFISystem:
		return gpt.Type(efiSystemGUID)
	default:
		return gpt.Type(linuxFilesystemGUID)
	}
}
