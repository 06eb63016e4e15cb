// Package transport defines the byte-level channel a fastboot Session reads
// commands from and writes replies to. The real implementation (USB
// device-mode gadget, or TCP for an emulator) is an injected capability —
// only the interface and a loopback reference implementation live here.
package transport

import "context"

// RxFunc is invoked when bytes arrive on the transport. buf is the region
// that was posted via Read; n is how many bytes actually landed in it.
type RxFunc func(buf []byte, n int)

// TxFunc is invoked when a previously posted Write completes.
type TxFunc func()

// Transport is the minimal byte-level interface a Session drives. Read and
// Write are asynchronous: completion is reported through the callbacks
// passed to Start, via a transport_read/transport_write/transport_run
// triad.
type Transport interface {
	// Start installs the rx/tx callbacks. It does not post a read: the
	// caller posts the first read with Read once Start has returned. It
	// corresponds to transport_start() + the "start" callback firing once
	// the channel is ready.
	Start(ctx context.Context, rx RxFunc, tx TxFunc) error

	// Read posts an asynchronous read into buf. Completion (partial or
	// full) is reported via the Rx callback.
	Read(buf []byte) error

	// Write posts an asynchronous write of buf. Completion is reported via
	// the Tx callback. Callers always pass exactly FrameSize bytes for
	// reply frames.
	Write(buf []byte) error

	// Run pumps one iteration of the transport's own event source; it may
	// return ErrTimeout to mean "no progress, try again".
	Run(ctx context.Context) error

	// Stop tears the transport down.
	Stop() error
}

// ErrTimeout is returned by Run when no I/O completed within one poll,
// which the main loop treats as "no progress, continue".
var ErrTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "transport: timeout" }
