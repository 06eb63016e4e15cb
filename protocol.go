package fastboot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kernelflinger/fastbootd/fberr"
	"github.com/kernelflinger/fastbootd/logx"
)

// State is one node of the session's protocol state machine.
type State int

const (
	StateOffline State = iota
	StateIdle          // waiting for a command line
	StateCommand       // a handler is running, may emit INFO frames
	StateDownload      // receiving a raw download payload
	StateTx            // draining queued reply frames
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateIdle:
		return "idle"
	case StateCommand:
		return "command"
	case StateDownload:
		return "download"
	case StateTx:
		return "tx"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "error"
	}
}

// maxCommandTokens bounds argv to 16 tokens; anything beyond that is
// rejected rather than silently truncated.
const maxCommandTokens = 16

// onRx is the transport's read-completion callback. Its behavior depends
// entirely on the current state: a command line while idle, or download
// payload bytes while in StateDownload.
func (s *Session) onRx(buf []byte, n int) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateDownload:
		s.handleDownloadChunk(buf[:n])
	default:
		s.handleCommandLine(buf[:n])
	}
}

// onTx is the transport's write-completion callback: drain the next queued
// frame, or move to the state the last reply armed (idle, download or
// stopping) once the queue empties. Replies are flushed
// strictly in emission order before the next command line is accepted.
func (s *Session) onTx() {
	s.mu.Lock()
	frame, ok := s.txq.pop()
	if !ok {
		s.sending = false
		if s.state == StateTx {
			s.state = s.nextState
		}
		finished := s.state == StateStopping
		s.mu.Unlock()
		if finished {
			s.Stop()
			return
		}
		if s.state == StateIdle {
			s.postCommandReadLocked()
		}
		return
	}
	s.mu.Unlock()
	if err := s.transport.Write(frame[:]); err != nil {
		logx.Errorf("transport write failed: %v", err)
	}
}

// postCommandRead arms the transport for the next command line.
func (s *Session) postCommandRead() error {
	s.mu.Lock()
	s.cmdLine = make([]byte, FrameSize)
	s.mu.Unlock()
	return s.transport.Read(s.cmdLine)
}

func (s *Session) postCommandReadLocked() {
	if err := s.postCommandRead(); err != nil {
		logx.Errorf("postCommandRead: %v", err)
	}
}

// enqueueFrame queues one reply frame and, if nothing is currently being
// sent, kicks off transmission immediately.
func (s *Session) enqueueFrame(code, payload string) error {
	s.mu.Lock()
	err := s.txq.push(buildFrame(code, payload))
	sending := s.sending
	if err == nil {
		s.sending = true
		s.state = StateTx
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !sending {
		s.onTx()
	}
	return nil
}

// Info emits one INFO reply line. Handlers may call this any number of
// times before their terminal reply.
func (s *Session) Info(format string, args ...interface{}) error {
	return s.enqueueFrame("INFO", sprintf(format, args...))
}

// Okay emits the terminal OKAY reply.
func (s *Session) Okay(format string, args ...interface{}) error {
	s.mu.Lock()
	s.nextState = StateIdle
	s.mu.Unlock()
	return s.enqueueFrame("OKAY", sprintf(format, args...))
}

// Fail emits the terminal FAIL reply.
func (s *Session) Fail(format string, args ...interface{}) error {
	s.mu.Lock()
	s.nextState = StateIdle
	s.mu.Unlock()
	return s.enqueueFrame("FAIL", sprintf(format, args...))
}

// FailErr sends err's message as a FAIL reply; err's Kind is not added to
// the reply text.
func (s *Session) FailErr(err error) error {
	return s.Fail("%s", err.Error())
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// handleCommandLine tokenizes one inbound frame and dispatches to the
// registered handler, splitting on ':' first and then spaces, and
// enforcing the command's minimum lock state.
func (s *Session) handleCommandLine(raw []byte) {
	line := strings.TrimRight(string(raw), "\x00")
	line = strings.TrimRight(line, " ")
	if line == "" {
		s.FailErr(fberr.New(fberr.InvalidParameter, "empty command"))
		return
	}

	argv, err := tokenizeCommand(line)
	if err != nil {
		s.FailErr(err)
		return
	}

	name := argv[0]
	cmd, ok := s.cmds.Lookup(name)
	if !ok {
		s.FailErr(fberr.New(fberr.InvalidParameter, "unknown command %q", name))
		return
	}

	s.mu.Lock()
	lock := s.lock
	s.state = StateCommand
	s.mu.Unlock()

	if cmd.MinState == Unlocked && lock != Unlocked {
		s.FailErr(fberr.New(fberr.NotAllowed, "command %q requires an unlocked device", name))
		return
	}

	if err := cmd.Handle(s, argv); err != nil {
		s.FailErr(err)
	}
}

// tokenizeCommand splits one fastboot command line first on ':' (separating
// the command name from its single colon-delimited argument, as in
// "getvar:all" / "flash:boot") and otherwise on spaces, capped at
// maxCommandTokens tokens.
func tokenizeCommand(line string) ([]string, error) {
	head := line
	var rest string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		head = line[:idx]
		rest = line[idx+1:]
	}

	tokens := strings.Fields(head)
	if rest != "" {
		tokens = append(tokens, strings.Fields(rest)...)
	}
	if len(tokens) == 0 {
		return nil, fberr.New(fberr.InvalidParameter, "empty command")
	}
	if len(tokens) > maxCommandTokens {
		return nil, fberr.New(fberr.InvalidParameter, "too many tokens in command line")
	}
	return tokens, nil
}

// handleDownloadChunk appends received bytes to the in-flight download
// buffer, emitting the terminal OKAY once dlExpected bytes have arrived.
func (s *Session) handleDownloadChunk(chunk []byte) {
	s.mu.Lock()
	remaining := s.dlExpected - s.dlReceived
	n := uint64(len(chunk))
	if n > remaining {
		n = remaining
	}
	copy(s.download[s.dlReceived:s.dlReceived+n], chunk[:n])
	s.dlReceived += n
	done := s.dlReceived >= s.dlExpected
	s.mu.Unlock()

	if !done {
		if err := s.transport.Read(s.download[s.dlReceived:]); err != nil {
			logx.Errorf("download read: %v", err)
		}
		return
	}

	s.mu.Lock()
	s.state = StateCommand
	s.mu.Unlock()
	s.Okay("")
}

// beginDownload transitions into StateDownload to receive size bytes,
// invoked by the "download:" handler after validating size against
// max-download-size.
func (s *Session) beginDownload(size uint64) error {
	if size > s.maxDownloadSize() {
		return fberr.New(fberr.InvalidParameter, "data too large (%d > %d)", size, s.maxDownloadSize())
	}
	s.mu.Lock()
	s.download = make([]byte, size)
	s.dlExpected = size
	s.dlReceived = 0
	s.state = StateDownload
	s.nextState = StateDownload
	s.mu.Unlock()
	// The DATA reply carries the accepted size as its payload.
	if err := s.enqueueFrame("DATA", strconv.FormatUint(size, 16)); err != nil {
		return err
	}
	return s.transport.Read(s.download)
}

// DownloadedData returns the most recently completed download payload.
func (s *Session) DownloadedData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.download
}
