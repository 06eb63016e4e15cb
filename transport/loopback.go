package transport

import (
	"context"
	"io"
	"sync"
)

// Loopback is an in-process Transport backed by byte pipes, standing in
// for the real USB gadget transport in tests and the demo binary.
type Loopback struct {
	// The device ends of the two pipes. The host ends live in the HostConn
	// returned by NewLoopback, which a test harness or the demo CLI uses to
	// act as the "host" side of the fastboot session.
	hostToDevice *io.PipeReader
	hostWriter   *io.PipeWriter
	deviceToHost *io.PipeWriter
	hostReader   *io.PipeReader

	mu sync.Mutex
	rx RxFunc
	tx TxFunc
}

// NewLoopback returns a connected pair: the Transport side (to be driven by
// a Session) and a HostConn used to inject commands and observe replies.
func NewLoopback() (*Loopback, *HostConn) {
	hr, hw := io.Pipe()   // host  -> device
	dr, dw := io.Pipe()   // device -> host
	l := &Loopback{hostToDevice: hr, deviceToHost: dw}
	h := &HostConn{toDevice: hw, fromDevice: dr}
	return l, h
}

// HostConn is the host-side handle for a Loopback transport.
type HostConn struct {
	toDevice   *io.PipeWriter
	fromDevice *io.PipeReader
}

// SendCommand writes raw command bytes to the device.
func (h *HostConn) SendCommand(b []byte) error {
	_, err := h.toDevice.Write(b)
	return err
}

// ReadReply blocks for exactly one 64-byte reply frame.
func (h *HostConn) ReadReply() ([]byte, error) {
	buf := make([]byte, 64)
	_, err := io.ReadFull(h.fromDevice, buf)
	return buf, err
}

// Close tears down the host side.
func (h *HostConn) Close() error {
	h.toDevice.Close()
	return h.fromDevice.Close()
}

func (l *Loopback) Start(ctx context.Context, rx RxFunc, tx TxFunc) error {
	l.mu.Lock()
	l.rx, l.tx = rx, tx
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Read(buf []byte) error {
	go func() {
		n, err := l.hostToDevice.Read(buf)
		if err != nil {
			return
		}
		l.mu.Lock()
		rx := l.rx
		l.mu.Unlock()
		if rx != nil {
			rx(buf, n)
		}
	}()
	return nil
}

func (l *Loopback) Write(buf []byte) error {
	go func() {
		l.deviceToHost.Write(buf)
		l.mu.Lock()
		tx := l.tx
		l.mu.Unlock()
		if tx != nil {
			tx()
		}
	}()
	return nil
}

// Run has nothing of its own to pump; the loopback transport drives
// completions from goroutines spawned by Read/Write.
func (l *Loopback) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrTimeout
	}
}

func (l *Loopback) Stop() error {
	l.hostToDevice.Close()
	return l.deviceToHost.Close()
}
