package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"guildbot/extensions/digest"
	"guildbot/extensions/greeter"
	"guildbot/extensions/netmon"
	"guildbot/internal/core"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	app, err := core.NewApp(cfgPath,
		netmon.New(),
		digest.New(),
		greeter.New(),
	)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reason := core.StopUnknown
	select {
	case sig := <-sigCh:
		switch sig {
		case syscall.SIGTERM:
			reason = core.StopSIGTERM
		default:
			reason = core.StopSIGINT
		}
	case <-app.Done():
		reason = core.StopAppStop
		if app.Err() != nil {
			reason = core.StopFatalError
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx, reason); err != nil {
		fmt.Println("stop:", err)
	}
	if reason == core.StopFatalError {
		fmt.Println("fatal:", app.Err())
		os.Exit(1)
	}
}
