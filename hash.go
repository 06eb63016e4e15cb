package fastboot

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"

	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/gpt"
)

const (
	ext4SuperblockOffset    = 1024
	ext4MagicOffset         = 0x38  // s_magic, relative to superblock start
	ext4BlocksCountHiOffset = 0x150 // s_blocks_count_hi, relative to superblock start
	ext4Magic               = 0xEF53

	squashfsMagic     = 0x73717368 // "hsqs" little-endian
	squashfsPadToSize = 4096

	verityHeaderMagic  = 0xB001B001
	verityMetadataSize = 32768

	verityBlockSize = 4096
	verityHashSize  = 32 // sha256 digest
	hashesPerBlock  = verityBlockSize / verityHashSize

	hashChunkSize = 1 << 20
)

// HashPartition streams label's used content (not its full raw partition
// size) through SHA-1 and returns the hex digest, backing the "oem
// partition-hash:<label>" debug command.
func (s *Session) HashPartition(label string) (string, error) {
	if s.gptSvc == nil || s.device == nil {
		return "", fberr.New(fberr.NotAllowed, "no storage configured")
	}
	part, err := s.gptSvc.GetPartitionByLabel(label, gpt.LogicalUnitUser)
	if err != nil {
		return "", err
	}
	start, _ := part.ByteRange()

	used, err := usedFilesystemSize(s.device, int64(start), part.Size())
	if err != nil {
		return "", err
	}
	used, err = extendForVerity(s.device, int64(start), used, part.Size())
	if err != nil {
		return "", err
	}

	h := sha1.New()
	buf := make([]byte, hashChunkSize)
	off := int64(start)
	remaining := used
	for remaining > 0 {
		n := uint64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := s.device.ReadAt(buf[:n], off); err != nil {
			return "", fberr.Wrap(fberr.FlashError, err, "read partition %q for hashing", label)
		}
		h.Write(buf[:n])
		off += int64(n)
		remaining -= n
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// usedFilesystemSize inspects the filesystem superblock at the start of a
// partition to find how many of its bytes actually hold data, so hashing
// does not need to consume the whole (possibly much larger) partition.
// Falls back to the full partition size when no known superblock is found,
// matching hashes.c's behavior for opaque/raw partitions.
func usedFilesystemSize(dev interface {
	ReadAt(p []byte, off int64) (int, error)
}, start int64, partitionSize uint64) (uint64, error) {
	buf := make([]byte, ext4SuperblockOffset+1024)
	if _, err := dev.ReadAt(buf, start); err != nil {
		return 0, fberr.Wrap(fberr.FlashError, err, "read superblock")
	}

	sb := buf[ext4SuperblockOffset:]
	if binary.LittleEndian.Uint16(sb[ext4MagicOffset:ext4MagicOffset+2]) == ext4Magic {
		blocksCountLo := binary.LittleEndian.Uint32(sb[4:8])
		blocksCountHi := binary.LittleEndian.Uint32(sb[ext4BlocksCountHiOffset : ext4BlocksCountHiOffset+4])
		blocksCount := uint64(blocksCountHi)<<32 | uint64(blocksCountLo)
		logBlockSize := binary.LittleEndian.Uint32(sb[24:28])
		blockSize := uint64(1024) << logBlockSize
		return blocksCount * blockSize, nil
	}

	if binary.LittleEndian.Uint32(buf[0:4]) == squashfsMagic {
		bytesUsed := binary.LittleEndian.Uint64(buf[40:48])
		return padUp(bytesUsed, squashfsPadToSize), nil
	}

	return partitionSize, nil
}

func padUp(size, boundary uint64) uint64 {
	rem := size % boundary
	if rem == 0 {
		return size
	}
	return size + (boundary - rem)
}

// extendForVerity checks for a dm-verity header immediately following a
// filesystem image of size used, and if present extends used by the size of
// the Merkle tree and its metadata block so HashPartition covers the whole
// hash-protected region rather than stopping at the raw filesystem.
func extendForVerity(dev interface {
	ReadAt(p []byte, off int64) (int, error)
}, start int64, used uint64, partitionSize uint64) (uint64, error) {
	if used+4 > partitionSize {
		return used, nil
	}
	var magicBuf [4]byte
	if _, err := dev.ReadAt(magicBuf[:], start+int64(used)); err != nil {
		return 0, fberr.Wrap(fberr.FlashError, err, "read verity header")
	}
	if binary.LittleEndian.Uint32(magicBuf[:]) != verityHeaderMagic {
		return used, nil
	}
	extended := used + VerityTreeSize(used) + verityMetadataSize
	if extended > partitionSize {
		extended = partitionSize
	}
	return extended, nil
}

// VerityTreeSize returns the byte size of a dm-verity Merkle tree covering
// dataSize bytes of filesystem payload, at the standard 4 KiB block / 32
// byte (SHA-256) hash geometry.
func VerityTreeSize(dataSize uint64) uint64 {
	blocks := (dataSize + verityBlockSize - 1) / verityBlockSize
	var total uint64
	for blocks > 1 {
		levelBlocks := (blocks + hashesPerBlock - 1) / hashesPerBlock
		total += levelBlocks * verityBlockSize
		blocks = levelBlocks
	}
	return total
}
