// Package fastboot implements the fastboot protocol server embedded in a
// UEFI bootloader: a single-threaded state machine wrapped around an
// injected transport, a variable registry, a command registry, and the
// flash/hash/verify engines that back the built-in commands.
package fastboot

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/kernelflinger/fastbootd/blockdevice"
	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/gpt"
	"github.com/kernelflinger/fastbootd/logx"
	"github.com/kernelflinger/fastbootd/transport"
	"github.com/kernelflinger/fastbootd/verify"
)

// BootTarget is what the session decided to do once it leaves the command
// loop: hand off to the normal OS, stay in the bootloader, or power off.
type BootTarget int

const (
	TargetNone BootTarget = iota
	TargetNormalBoot
	TargetBootloader
	TargetRecovery
	TargetPowerOff
	TargetCrashDump
)

func (t BootTarget) String() string {
	switch t {
	case TargetNormalBoot:
		return "normal"
	case TargetBootloader:
		return "bootloader"
	case TargetRecovery:
		return "recovery"
	case TargetPowerOff:
		return "poweroff"
	case TargetCrashDump:
		return "crashdump"
	default:
		return "none"
	}
}

// SecureBootPolicy wraps the platform's UEFI secure boot policy knobs,
// kept behind an interface because reading or flipping platform secure
// boot state is firmware-specific.
type SecureBootPolicy interface {
	IsEnabled() (bool, error)
	SetEnabled(enabled bool) error
}

// Config carries the static, product-specific facts a session reports
// through getvar and uses to gate its behavior. There is no flag/env
// framework here, matching the ambient configuration style of the
// surrounding stack: a plain struct the embedder fills in.
type Config struct {
	Product          string
	BootloaderVersion string
	Variant          string
	Serial           string
	MaxDownloadSize  uint64
	TxQueueDepth     int

	// GetBatteryVoltage, if set, backs the dynamic "battery-voltage"
	// variable. nil disables the variable entirely.
	GetBatteryVoltage func() (string, error)

	// FlashingLockWhitelist restricts which partition labels "flash" may
	// target while the device is locked.
	FlashingLockWhitelist []string

	// DebugBuild gates flash operations that only make sense outside a
	// production image: the "mbr" protective-MBR rewrite, the "sfu"/
	// "ifwi" ESP writes, and the "/ESP/<path>" passthrough.
	DebugBuild bool
}

// Session is one fastboot protocol conversation: the state machine, its
// registries, and every collaborator a command handler might need.
type Session struct {
	mu sync.Mutex

	cfg Config

	vars *VarRegistry
	cmds *CommandRegistry
	txq  *txQueue

	transport transport.Transport
	gptSvc    gpt.Service
	device    blockdevice.Device
	secure    SecureBootPolicy
	esp       gpt.ESPWriter

	// bootChecker, if set, backs the "boot" command's verified-boot check:
	// a GREEN result flips secure's attestation state on.
	bootChecker *verify.Checker

	// authVerifier, if set, backs the "authorization" flash label: a
	// signed action payload must verify against it before being applied.
	authVerifier *verify.Pkcs7Verifier

	state     State
	nextState State
	sending   bool

	cmdLine []byte

	download   []byte
	dlExpected uint64
	dlReceived uint64

	lock LockState

	bootTarget  BootTarget
	bootPayload []byte

	stopCh  chan struct{}
	stopped bool
}

// NewSession wires a Session and registers its built-in commands and
// variables. gptSvc/device/secure may be nil for a session that only
// exercises the protocol state machine (as in tests).
func NewSession(cfg Config, t transport.Transport, gptSvc gpt.Service, device blockdevice.Device, secure SecureBootPolicy) *Session {
	if cfg.TxQueueDepth == 0 {
		cfg.TxQueueDepth = 16
	}
	s := &Session{
		cfg:       cfg,
		vars:      NewVarRegistry(),
		cmds:      NewCommandRegistry(),
		txq:       newTxQueue(cfg.TxQueueDepth),
		transport: t,
		gptSvc:    gptSvc,
		device:    device,
		secure:    secure,
		state:     StateOffline,
		lock:      Locked,
		stopCh:    make(chan struct{}),
	}
	if w, ok := gptSvc.(gpt.ESPWriter); ok {
		s.esp = w
	}
	s.registerStaticVars()
	s.registerBuiltinCommands()
	s.refreshPartitionVars()
	return s
}

// SetBootChecker installs the verified-boot signature checker the "boot"
// command uses to classify the staged boot image before handing off.
func (s *Session) SetBootChecker(c *verify.Checker) {
	s.mu.Lock()
	s.bootChecker = c
	s.mu.Unlock()
}

// SetAuthorizationVerifier installs the PKCS#7 verifier the "authorization"
// flash label uses to authenticate a signed action payload.
func (s *Session) SetAuthorizationVerifier(v *verify.Pkcs7Verifier) {
	s.mu.Lock()
	s.authVerifier = v
	s.mu.Unlock()
}

// SetESPWriter installs (or overrides) the collaborator that writes files
// into the EFI System Partition filesystem, backing the debug-build-only
// "sfu"/"ifwi"/"/ESP/<path>" flash labels.
func (s *Session) SetESPWriter(w gpt.ESPWriter) {
	s.mu.Lock()
	s.esp = w
	s.mu.Unlock()
}

func (s *Session) registerStaticVars() {
	v := s.vars
	v.Publish("version", "0.4")
	v.Publish("version-bootloader", s.cfg.BootloaderVersion)
	v.Publish("product", s.cfg.Product)
	v.Publish("variant", s.cfg.Variant)
	v.Publish("serialno", s.cfg.Serial)
	v.Publish("max-download-size", fmt.Sprintf("0x%X", s.maxDownloadSize()))
	v.PublishDynamic("secure", func() (string, error) {
		if s.secure == nil {
			return "no", nil
		}
		enabled, err := s.secure.IsEnabled()
		if err != nil {
			return "", err
		}
		if enabled {
			return "yes", nil
		}
		return "no", nil
	})
	v.PublishDynamic("unlocked", func() (string, error) {
		if s.lock == Unlocked {
			return "yes", nil
		}
		return "no", nil
	})
	if s.cfg.GetBatteryVoltage != nil {
		v.PublishDynamic("battery-voltage", func() (string, error) {
			return s.cfg.GetBatteryVoltage()
		})
	}
}

func (s *Session) maxDownloadSize() uint64 {
	if s.cfg.MaxDownloadSize == 0 {
		return 512 * 1024 * 1024
	}
	return s.cfg.MaxDownloadSize
}

// refreshPartitionVars republishes partition-size:/partition-type:/has-slot:
// variables from the current GPT. A session without a gpt.Service
// (protocol-only tests) simply has none.
func (s *Session) refreshPartitionVars() {
	if s.gptSvc == nil {
		return
	}
	s.vars.CleanPartitionVars()
	parts, err := s.gptSvc.ListPartitions(gpt.LogicalUnitUser)
	if err != nil {
		logx.Errorf("refreshPartitionVars: %v", err)
		return
	}
	for _, p := range parts {
		ptype := PartitionTypeNone
		switch gpt.ClassifyType(p.Type) {
		case "ext4":
			ptype = PartitionTypeExt4
		case "vfat":
			ptype = PartitionTypeVFAT
		}
		if err := s.vars.PublishPartitionVars(p.Name, p.Size(), ptype); err != nil {
			logx.Errorf("publish partition vars for %s: %v", p.Name, err)
		}
	}
}

// GarbageDisk overwrites size bytes at offset with cryptographically random
// data, so a discarded partition's prior contents are unrecoverable
// (DESIGN.md).
func (s *Session) GarbageDisk(offset, size int64) error {
	if s.device == nil {
		return fberr.New(fberr.NotAllowed, "no block device configured")
	}
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for remaining := size; remaining > 0; {
		n := int64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return fberr.Wrap(fberr.Unknown, err, "read random bytes")
		}
		if _, err := s.device.WriteAt(buf[:n], offset); err != nil {
			return fberr.Wrap(fberr.FlashError, err, "garbage-disk write at %d", offset)
		}
		offset += n
		remaining -= n
	}
	return s.device.Sync()
}

// Start arms the transport and begins listening for a command line.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Start(ctx, s.onRx, s.onTx); err != nil {
		return fberr.Wrap(fberr.TransportError, err, "start transport")
	}
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return s.postCommandRead()
}

// Run pumps the transport's own event source until the session stops or
// ctx is cancelled: while not stopped, call transport_run then check for
// pending events.
func (s *Session) Run(ctx context.Context) (BootTarget, error) {
	for {
		select {
		case <-s.stopCh:
			return s.bootTarget, nil
		case <-ctx.Done():
			return TargetNone, ctx.Err()
		default:
		}
		if err := s.transport.Run(ctx); err != nil && err != transport.ErrTimeout {
			return TargetNone, fberr.Wrap(fberr.TransportError, err, "transport run")
		}
	}
}

// Stop tears the session down, releasing the transport.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.state = StateStopped
	s.mu.Unlock()
	close(s.stopCh)
	return s.transport.Stop()
}

// LockState returns the session's current authorization state.
func (s *Session) LockState() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

// SetLockState updates the session's authorization state (an "oem unlock"
// / "oem lock" side effect).
func (s *Session) SetLockState(l LockState) {
	s.mu.Lock()
	s.lock = l
	s.mu.Unlock()
}
