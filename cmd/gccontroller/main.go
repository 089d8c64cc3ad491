// Command gccontroller runs the four-slot GameCube-family controller
// service: USB and BLE connection managers feeding calibrated input into
// one of three virtual-pad backends.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/orchestrator"
	"github.com/dalmatheo/gc-controller/internal/settings"
)

func main() {
	headless := flag.Bool("headless", false, "run without a TTY (plain-text log, no color formatting)")
	mode := flag.String("mode", "", "emulation mode for slot 0: xbox360, dolphin_pipe, or dsu (default: dolphin_pipe; the saved emulation_mode setting is not used)")
	settingsDir := flag.String("settings-dir", defaultSettingsDir(), "directory holding "+settings.FileName)
	flag.Parse()

	log := logrus.New()
	if *headless {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	entry := logrus.NewEntry(log)

	entry.Info("gc-controller starting")

	// No platform Xbox-style driver is wired in here: the xboxpad backend
	// falls back to its unavailable stub unless one is passed with
	// orchestrator.WithXboxDriver.
	o, err := orchestrator.New(*settingsDir, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to initialize orchestrator")
	}

	emulationMode := settings.EmulationDolphinPipe
	if *mode != "" {
		emulationMode = settings.EmulationMode(*mode)
	}
	if err := o.BindEmulation(0, emulationMode); err != nil {
		entry.WithError(err).Fatal("failed to bind emulation backend to slot 0")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for status := range o.Status() {
			entry.WithField("slot", status.SlotIndex).Info(status.Message)
		}
	}()

	entry.Info("service ready, waiting for controllers")

	go func() {
		<-sigChan
		entry.Info("shutdown signal received, cleaning up")
		cancel()
	}()

	o.Run(ctx)

	if err := o.SaveSettings(); err != nil {
		entry.WithError(err).Warn("failed to persist settings on shutdown")
	}
	entry.Info("done")
}

func defaultSettingsDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
