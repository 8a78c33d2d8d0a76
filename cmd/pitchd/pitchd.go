package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/berginj/PitchTracker-sub000/server"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("pitchd", "Stereo pitch capture and tracking server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "pitchd.json"})
	port := parser.Int("p", "port", &argparse.Options{Help: "HTTP listen port (overrides config)", Default: 0})
	autoStart := parser.Flag("", "capture", &argparse.Options{Help: "Start capturing immediately", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if *autoStart {
		if err := srv.StartCapture(); err != nil {
			logger.Errorf("Failed to start capture: %v", err)
			os.Exit(1)
		}
	}

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(fmt.Sprintf(":%v", cfg.HTTPPort)); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
	}
	if err := <-srv.ShutdownComplete; err != nil {
		os.Exit(1)
	}
}
