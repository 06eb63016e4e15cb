// Command fastbootd is a demo entry point wiring a fastboot Session to an
// in-process loopback transport and a disk-image-backed GPT/block device
// pair, standing in for the UEFI bootloader environment the server
// normally runs inside.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kernelflinger/fastbootd/blockdevice"
	fastboot "github.com/kernelflinger/fastbootd"
	"github.com/kernelflinger/fastbootd/gpt"
	"github.com/kernelflinger/fastbootd/logx"
	"github.com/kernelflinger/fastbootd/transport"
)

func main() {
	diskPath := flag.String("disk", "", "path to a disk image with a GPT partition table")
	factoryPath := flag.String("factory-disk", "", "optional path to a FACTORY lun disk image")
	debug := flag.Bool("debug", false, "enable debug logging")
	debugBuild := flag.Bool("debug-build", false, "enable debug-only flash paths (mbr, esp writes)")
	flag.Parse()

	logx.SetDebug(*debug)

	if *diskPath == "" {
		fmt.Fprintln(os.Stderr, "fastbootd: -disk is required")
		os.Exit(1)
	}

	gptSvc, err := gpt.NewDiskfsService(*diskPath, *factoryPath)
	if err != nil {
		logx.Errorf("open gpt service: %v", err)
		os.Exit(1)
	}

	device, err := blockdevice.NewFileDevice(*diskPath, 0)
	if err != nil {
		logx.Errorf("open block device: %v", err)
		os.Exit(1)
	}
	defer device.Close()

	loop, host := transport.NewLoopback()
	defer host.Close()

	cfg := fastboot.Config{
		Product:           "fastbootd-demo",
		BootloaderVersion: "0.4",
		Variant:           "generic",
		Serial:            "0000000000000000",
		MaxDownloadSize:   512 * 1024 * 1024,
		DebugBuild:        *debugBuild,
	}

	session := fastboot.NewSession(cfg, loop, gptSvc, device, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx); err != nil {
		logx.Errorf("start session: %v", err)
		os.Exit(1)
	}

	target, err := session.Run(ctx)
	if err != nil {
		logx.Errorf("session run: %v", err)
		os.Exit(1)
	}

	logx.Infof("session ended, boot target: %s", target)
}
