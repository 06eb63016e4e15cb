package fastboot

import (
	"strconv"

	"github.com/kernelflinger/fastbootd/bootimg"
	"github.com/kernelflinger/fastbootd/verify"
)

// registerBuiltinCommands installs every required command: getvar,
// download, flash, erase, boot, continue, reboot, reboot-bootloader, plus
// the "oem" debug subcommand family.
func (s *Session) registerBuiltinCommands() {
	c := s.cmds
	c.Register(Command{Name: "getvar", MinState: Locked, Handle: cmdGetVar})
	c.Register(Command{Name: "download", MinState: Locked, Handle: cmdDownload})
	c.Register(Command{Name: "flash", MinState: Locked, Handle: cmdFlash})
	c.Register(Command{Name: "erase", MinState: Unlocked, Handle: cmdErase})
	c.Register(Command{Name: "boot", MinState: Unlocked, Handle: cmdBoot})
	c.Register(Command{Name: "continue", MinState: Locked, Handle: cmdContinue})
	c.Register(Command{Name: "reboot", MinState: Locked, Handle: cmdReboot})
	c.Register(Command{Name: "reboot-bootloader", MinState: Locked, Handle: cmdRebootBootloader})
	c.Register(Command{Name: "oem", MinState: Locked, Handle: cmdOem})
}

func cmdGetVar(s *Session, argv []string) error {
	if len(argv) < 2 {
		return s.Fail("missing variable name")
	}
	name := argv[1]
	if name == "all" {
		for _, e := range s.vars.Enumerate() {
			s.Info("%s: %s", e.Name, e.Value)
		}
		return s.Okay("")
	}
	value, ok := s.vars.Lookup(name)
	if !ok {
		return s.Fail("unknown variable %q", name)
	}
	return s.Okay("%s", value)
}

func cmdDownload(s *Session, argv []string) error {
	if len(argv) < 2 {
		return s.Fail("missing download size")
	}
	size, err := strconv.ParseUint(argv[1], 16, 64)
	if err != nil {
		return s.Fail("invalid download size %q", argv[1])
	}
	if err := s.beginDownload(size); err != nil {
		return s.FailErr(err)
	}
	return nil
}

func cmdFlash(s *Session, argv []string) error {
	if len(argv) < 2 {
		return s.Fail("missing partition label")
	}
	label := argv[1]
	data := s.DownloadedData()
	if len(data) == 0 {
		return s.Fail("no data staged; send download first")
	}
	if err := s.FlashPartition(label, data); err != nil {
		return s.FailErr(err)
	}
	return s.Okay("")
}

func cmdErase(s *Session, argv []string) error {
	if len(argv) < 2 {
		return s.Fail("missing partition label")
	}
	if err := s.ErasePartition(argv[1]); err != nil {
		return s.FailErr(err)
	}
	return s.Okay("")
}

func cmdBoot(s *Session, argv []string) error {
	data := s.DownloadedData()
	if len(data) == 0 {
		return s.Fail("no data staged; send download first")
	}

	s.mu.Lock()
	checker := s.bootChecker
	secure := s.secure
	s.mu.Unlock()

	if checker != nil {
		img, err := bootimg.Parse(data)
		if err != nil {
			return s.FailErr(err)
		}
		state, err := checker.VerifyBootImage(img)
		if err != nil {
			return s.FailErr(err)
		}
		if secure != nil {
			if err := secure.SetEnabled(state == verify.StateGreen); err != nil {
				return s.FailErr(err)
			}
		}
	}

	s.mu.Lock()
	s.bootPayload = data
	s.bootTarget = TargetNormalBoot
	s.mu.Unlock()
	return s.okayAndStop("")
}

func cmdContinue(s *Session, argv []string) error {
	s.mu.Lock()
	s.bootTarget = TargetNormalBoot
	s.mu.Unlock()
	return s.okayAndStop("")
}

func cmdReboot(s *Session, argv []string) error {
	s.mu.Lock()
	s.bootTarget = TargetNormalBoot
	s.mu.Unlock()
	return s.okayAndStop("")
}

func cmdRebootBootloader(s *Session, argv []string) error {
	s.mu.Lock()
	s.bootTarget = TargetBootloader
	s.mu.Unlock()
	return s.okayAndStop("")
}

// cmdOem dispatches the "oem <subcommand> [args...]" debug command family.
func cmdOem(s *Session, argv []string) error {
	if len(argv) < 2 {
		return s.Fail("missing oem subcommand")
	}
	switch argv[1] {
	case "unlock":
		s.SetLockState(Unlocked)
		return s.Okay("")
	case "lock":
		s.SetLockState(Locked)
		return s.Okay("")
	case "garbage-disk":
		if err := s.GarbageDisk(0, 1<<20); err != nil {
			return s.FailErr(err)
		}
		return s.Okay("")
	case "partition-hash":
		if len(argv) < 3 {
			return s.Fail("missing partition label")
		}
		digest, err := s.HashPartition(argv[2])
		if err != nil {
			return s.FailErr(err)
		}
		s.Info("hash: %s", digest)
		return s.Okay("")
	default:
		return s.Fail("unknown oem subcommand %q", argv[1])
	}
}

// okayAndStop sends the terminal OKAY reply then arms the session to stop
// once it has flushed, instead of returning to StateIdle, for commands
// that hand off control to a boot target and exit the command loop after
// acknowledging (boot/continue/reboot*).
func (s *Session) okayAndStop(format string, args ...interface{}) error {
	s.mu.Lock()
	s.nextState = StateStopping
	s.mu.Unlock()
	return s.enqueueFrame("OKAY", sprintf(format, args...))
}
