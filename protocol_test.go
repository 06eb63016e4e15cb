package fastboot_test

import (
	"context"
	"strings"
	"testing"
	"time"

	fastboot "github.com/kernelflinger/fastbootd"
	"github.com/kernelflinger/fastbootd/transport"
)

func newTestSession(t *testing.T) (*fastboot.Session, *transport.HostConn, context.Context, context.CancelFunc) {
	t.Helper()
	loop, host := transport.NewLoopback()
	cfg := fastboot.Config{Product: "teapot", BootloaderVersion: "0.4", Serial: "1234"}
	session := fastboot.NewSession(cfg, loop, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return session, host, ctx, cancel
}

func TestGetVarRoundTrip(t *testing.T) {
	session, host, ctx, cancel := newTestSession(t)
	defer cancel()

	go session.Run(ctx)

	if err := host.SendCommand([]byte("getvar:product")); err != nil {
		t.Fatalf("send command: %v", err)
	}

	reply, err := host.ReadReply()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	got := strings.TrimRight(string(reply), " ")
	if got != "OKAYteapot" {
		t.Fatalf("reply = %q, want %q", got, "OKAYteapot")
	}
}

func TestGetVarUnknownFails(t *testing.T) {
	session, host, ctx, cancel := newTestSession(t)
	defer cancel()

	go session.Run(ctx)

	if err := host.SendCommand([]byte("getvar:no-such-variable")); err != nil {
		t.Fatalf("send command: %v", err)
	}

	reply, err := host.ReadReply()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(string(reply), "FAIL") {
		t.Fatalf("reply = %q, want a FAIL", reply)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	session, host, ctx, cancel := newTestSession(t)
	defer cancel()

	go session.Run(ctx)

	if err := host.SendCommand([]byte("not-a-real-command")); err != nil {
		t.Fatalf("send command: %v", err)
	}

	reply, err := host.ReadReply()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(string(reply), "FAIL") {
		t.Fatalf("reply = %q, want a FAIL", reply)
	}
}
