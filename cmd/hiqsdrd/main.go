package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dougsko/hiqsdr/pkg/config"
	"github.com/dougsko/hiqsdr/pkg/engine"
	"github.com/dougsko/hiqsdr/pkg/logging"
)

var (
	configPath = flag.String("config", "config.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
	mock       = flag.Bool("mock", false, "Use the built-in device simulator")
)

const Build = "development"

func loggingOptions(cfg *config.Config) logging.Options {
	return logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Structured: cfg.Logging.Structured,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hiqsdrd version %s (%s)\n", engine.Version, Build)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *mock {
		cfg.Device.Mock = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.InitGlobalLogger(loggingOptions(cfg)); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	logging.Infof("main", "hiqsdrd version %s starting...", engine.Version)
	if cfg.Device.Mock {
		logging.Info("main", "Device: built-in simulator")
	} else {
		logging.Infof("main", "Device: %s (rx %d, control %d)", cfg.Device.Address, cfg.Device.RxPort, cfg.Device.ControlPort)
	}
	logging.Infof("main", "Web interface: http://%s:%d", cfg.Web.BindAddress, cfg.Web.Port)

	daemon, err := NewSDRDaemon(cfg)
	if err != nil {
		logging.Errorf("main", "Failed to create daemon: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(); err != nil {
		logging.Errorf("main", "Failed to start daemon: %v", err)
		daemon.Stop()
		os.Exit(1)
	}

	logging.Info("main", "hiqsdrd started successfully")

	<-sigChan
	logging.Info("main", "Shutting down...")

	if err := daemon.Stop(); err != nil {
		logging.Errorf("main", "Error during shutdown: %v", err)
	}

	logging.Info("main", "hiqsdrd stopped")
}
