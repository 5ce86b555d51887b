package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration. Everything else is read from
// the environment by the config package.
type CLIConfig struct {
	ConfigPath  string
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", "",
		"Path to an optional YAML configuration file (env: RUUVISTREAMS_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c", "",
		"Path to an optional YAML configuration file (env: RUUVISTREAMS_CONFIG)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp
	flag.Parse()

	return cfg
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Ruuvi BLE beacon exporter

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Environment:
  BINDING                    metrics listen address (default 0.0.0.0:9185)
  IDLE_TIMEOUT               drop devices and series idle this long (default 60s)
  ENABLE_PROCESS_COLLECTION  export process metrics (default false)
  ADAPTER_NAME               preferred bluetooth adapter (default hci0)
  NATS_URL                   republish decoded frames to NATS when set
  NATS_SUBJECT_PREFIX        republish subject prefix (default ruuvi.readings)
  LOG_LEVEL                  debug, info, warn, error (default info)
  LOG_FORMAT                 json, text (default json)
  SHUTDOWN_TIMEOUT           graceful stop budget (default 10s)

Examples:
  # Run with debug logging
  LOG_LEVEL=debug LOG_FORMAT=text %s

  # Republish readings to a local broker
  NATS_URL=nats://localhost:4222 %s

  # Validate configuration only
  %s --config=/etc/ruuvistreams.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}
