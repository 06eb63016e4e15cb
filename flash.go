package fastboot

import (
	"bytes"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/dustin/go-humanize"

	"github.com/kernelflinger/fastbootd/bootimg"
	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/gpt"
	"github.com/kernelflinger/fastbootd/logx"
	"github.com/kernelflinger/fastbootd/sparse"
)

// espPathPrefix marks a flash label as an ESP filesystem passthrough write
// rather than a GPT partition target: "flash /ESP/<path>".
const espPathPrefix = "/ESP/"

// specialLabels names flash targets handled outside the ordinary
// "resolve label to a GPT partition and write" path.
var specialLabels = map[string]bool{
	"gpt":           true,
	"gpt-gpp1":      true,
	"bootloader":    true,
	"mbr":           true,
	"sfu":           true,
	"ifwi":          true,
	"oemvars":       true,
	"zimage":        true,
	"authorization": true,
}

// FlashPartition implements the "flash:<label>" command: resolve label,
// decompress and/or de-sparse data as needed, bounds-check against the
// partition's byte range, write it, and republish partition variables if
// the write could have changed geometry.
func (s *Session) FlashPartition(label string, data []byte) error {
	if s.lock == Locked && !s.flashAllowedWhileLocked(label) {
		return fberr.New(fberr.Prohibited, "prohibited command in %s state", s.lock)
	}

	if strings.HasPrefix(label, espPathPrefix) {
		return s.writeESPFile(strings.TrimPrefix(label, espPathPrefix), data)
	}

	if specialLabels[label] {
		return s.flashSpecialLabel(label, data)
	}

	return s.flashPartitionData(label, data)
}

// flashPartitionData is the generic "resolve label to a GPT partition and
// write" path shared by ordinary labels and the "bootloader" special label.
func (s *Session) flashPartitionData(label string, data []byte) error {
	if s.gptSvc == nil || s.device == nil {
		return fberr.New(fberr.NotAllowed, "no storage configured")
	}

	part, err := s.gptSvc.GetPartitionByLabel(label, gpt.LogicalUnitUser)
	if err != nil {
		return err
	}

	payload, err := decompress(data)
	if err != nil {
		return err
	}

	start, _ := part.ByteRange()

	if sparse.IsSparse(payload) {
		n, err := sparse.Decode(payload, s.device, int64(start), part.Size())
		if err != nil {
			return err
		}
		logx.Infof("flashed %s: %s (sparse)", label, humanize.Bytes(n))
	} else {
		if uint64(len(payload)) > part.Size() {
			return fberr.New(fberr.InvalidParameter,
				"image (%d bytes) does not fit partition %q (%d bytes)", len(payload), label, part.Size())
		}
		if _, err := s.device.WriteAt(payload, int64(start)); err != nil {
			return fberr.Wrap(fberr.FlashError, err, "write partition %q", label)
		}
		logx.Infof("flashed %s: %s", label, humanize.Bytes(uint64(len(payload))))
	}

	if err := s.device.Sync(); err != nil {
		return err
	}
	return nil
}

// ErasePartition implements "erase:<label>": UNLOCKED-only (no whitelist
// exception, unlike flash), resolve and erase the partition's full byte
// range.
func (s *Session) ErasePartition(label string) error {
	if s.lock == Locked {
		return fberr.New(fberr.Prohibited, "prohibited command in %s state", s.lock)
	}
	if s.gptSvc == nil || s.device == nil {
		return fberr.New(fberr.NotAllowed, "no storage configured")
	}
	part, err := s.gptSvc.GetPartitionByLabel(label, gpt.LogicalUnitUser)
	if err != nil {
		return err
	}
	start, end := part.ByteRange()
	if err := s.device.Erase(int64(start), int64(end-start)); err != nil {
		return err
	}
	return s.device.Sync()
}

func (s *Session) flashAllowedWhileLocked(label string) bool {
	for _, allowed := range s.cfg.FlashingLockWhitelist {
		if allowed == label {
			return true
		}
	}
	return false
}

// flashSpecialLabel handles the labels that need dedicated treatment:
// "gpt"/"gpt-gpp1" rewrite the partition table itself; "bootloader"
// delegates to the ordinary partition-write path; "mbr" is a
// debug-build-only protective MBR rewrite; "sfu"/"ifwi" stage firmware
// update files on the ESP; "oemvars" loads a text file of "name=value"
// lines into the variable registry; "zimage" splices a new kernel into the
// existing boot partition; "authorization" verifies and applies a signed
// action payload.
func (s *Session) flashSpecialLabel(label string, data []byte) error {
	switch label {
	case "gpt", "gpt-gpp1":
		if s.gptSvc == nil {
			return fberr.New(fberr.NotAllowed, "no gpt service configured")
		}
		lun := gpt.LogicalUnitUser
		if label == "gpt-gpp1" {
			lun = gpt.LogicalUnitFactory
		}
		startLBA, partitions, err := gpt.ParseBin(data)
		if err != nil {
			return err
		}
		if err := s.gptSvc.Create(startLBA, partitions, lun); err != nil {
			return err
		}
		s.refreshPartitionVars()
		return nil

	case "bootloader":
		return s.flashPartitionData("bootloader", data)

	case "mbr":
		return s.flashMBR(data)

	case "sfu":
		return s.writeESPFile("BIOSUPDATE.fv", data)

	case "ifwi":
		return s.writeESPFile("ifwi.bin", data)

	case "oemvars":
		return s.loadOemVars(data)

	case "zimage":
		return s.flashZimage(data)

	case "authorization":
		return s.flashAuthorization(data)

	default:
		return fberr.New(fberr.InvalidParameter, "unhandled special label %q", label)
	}
}

// flashMBR overwrites the boot code region of the USER disk's LBA 0 with up
// to 440 bytes, leaving the partition table entries in the rest of the
// sector untouched. Debug-build only: a protective MBR rewrite has no
// business happening on a production image.
func (s *Session) flashMBR(data []byte) error {
	if !s.cfg.DebugBuild {
		return fberr.New(fberr.NotAllowed, "mbr flashing is only available on debug builds")
	}
	if s.device == nil {
		return fberr.New(fberr.NotAllowed, "no storage configured")
	}
	const mbrBootCodeSize = 440
	if len(data) > mbrBootCodeSize {
		return fberr.New(fberr.InvalidParameter, "mbr payload (%d bytes) exceeds the %d-byte boot code region", len(data), mbrBootCodeSize)
	}
	if _, err := s.device.WriteAt(data, 0); err != nil {
		return fberr.Wrap(fberr.FlashError, err, "write protective mbr")
	}
	if err := s.device.Sync(); err != nil {
		return err
	}
	logx.Infof("flashed mbr: %s", humanize.Bytes(uint64(len(data))))
	return nil
}

// writeESPFile stages name on the EFI System Partition filesystem, backing
// "sfu"/"ifwi" and the "/ESP/<path>" passthrough. Debug-build only.
func (s *Session) writeESPFile(name string, data []byte) error {
	if !s.cfg.DebugBuild {
		return fberr.New(fberr.NotAllowed, "esp writes are only available on debug builds")
	}
	if s.esp == nil {
		return fberr.New(fberr.NotAllowed, "no esp writer configured")
	}
	if err := s.esp.WriteESPFile(gpt.LogicalUnitUser, name, data); err != nil {
		return err
	}
	logx.Infof("flashed %s to esp: %s", name, humanize.Bytes(uint64(len(data))))
	return nil
}

// flashZimage splices newKernel into the existing "boot" partition's
// Android boot image, keeping its ramdisk and second-stage sections: read
// the current image, verify it parses (an unparseable or blank partition
// surfaces as the same typed error bootimg.Parse reports for any malformed
// boot image, preserving a distinct failure rather than silently
// "succeeding" against nothing), splice in the new kernel, bounds-check
// against the partition, and write the result back.
func (s *Session) flashZimage(newKernel []byte) error {
	if s.gptSvc == nil || s.device == nil {
		return fberr.New(fberr.NotAllowed, "no storage configured")
	}
	const label = "boot"
	part, err := s.gptSvc.GetPartitionByLabel(label, gpt.LogicalUnitUser)
	if err != nil {
		return err
	}
	start, _ := part.ByteRange()

	existing := make([]byte, part.Size())
	if _, err := s.device.ReadAt(existing, int64(start)); err != nil {
		return fberr.Wrap(fberr.FlashError, err, "read existing boot partition for zimage splice")
	}

	spliced, err := bootimg.Splice(existing, newKernel)
	if err != nil {
		return fberr.Wrap(fberr.VerificationError, err, "splice zimage")
	}
	if uint64(len(spliced)) > part.Size() {
		return fberr.New(fberr.InvalidParameter,
			"spliced boot image (%d bytes) does not fit partition %q (%d bytes)", len(spliced), label, part.Size())
	}
	if _, err := s.device.WriteAt(spliced, int64(start)); err != nil {
		return fberr.Wrap(fberr.FlashError, err, "write spliced boot image")
	}
	if err := s.device.Sync(); err != nil {
		return err
	}
	logx.Infof("flashed zimage: %s", humanize.Bytes(uint64(len(spliced))))
	return nil
}

// flashAuthorization verifies data as a PKCS#7-signed action payload and
// applies the verified content.
func (s *Session) flashAuthorization(data []byte) error {
	if s.authVerifier == nil {
		return fberr.New(fberr.NotAllowed, "authorization policy is not enabled")
	}
	payload, err := s.authVerifier.Verify(data)
	if err != nil {
		return err
	}
	return s.applyAuthorizedAction(payload)
}

// applyAuthorizedAction interprets a verified authorization payload: a
// single "unlock"/"lock" line changes the lock state; anything else is
// treated as an oemvars-style "name=value" stream.
func (s *Session) applyAuthorizedAction(payload []byte) error {
	switch strings.TrimSpace(string(payload)) {
	case "unlock":
		s.SetLockState(Unlocked)
		return nil
	case "lock":
		s.SetLockState(Locked)
		return nil
	default:
		return s.loadOemVars(payload)
	}
}

// loadOemVars parses "name=value" lines (blank lines and lines starting
// with '#' ignored) and publishes each as a session variable.
func (s *Session) loadOemVars(data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	for _, raw := range lines {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		idx := bytes.IndexByte(line, '=')
		if idx < 0 {
			return fberr.New(fberr.InvalidParameter, "malformed oemvars line %q", string(line))
		}
		name := string(bytes.TrimSpace(line[:idx]))
		value := string(bytes.TrimSpace(line[idx+1:]))
		if err := s.vars.Publish(name, value); err != nil {
			return err
		}
	}
	return nil
}

// decompress transparently unwraps an lz4- or xz-compressed image before
// it is flashed, sniffing magic bytes to decide what reaches the block
// device (DESIGN.md).
func decompress(data []byte) ([]byte, error) {
	switch {
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x04, 0x22, 0x4D, 0x18}):
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fberr.Wrap(fberr.FlashError, err, "lz4 decompress")
		}
		return out, nil
	case len(data) >= 6 && bytes.Equal(data[0:6], []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}):
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fberr.Wrap(fberr.FlashError, err, "open xz stream")
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fberr.Wrap(fberr.FlashError, err, "xz decompress")
		}
		return out, nil
	default:
		return data, nil
	}
}
