package config

import "time"

// Default settings values.
const (
	DefaultTableFormat    = "plain"
	DefaultShowProcessID  = true
	DefaultLogLevel       = "info"
	DefaultLogMaxSize     = "5MB"
	DefaultLogMaxBackups  = 3
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultStartTimeout   = 5 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	defaultSettingsHeader = "# circlink settings\n# Edit with `circlink config edit <key> <value>`.\n\n"
)

const defaultSettingsTemplate = `display:
  table:
    # Output format for view and ledger: plain, simple, pretty, csv, tsv, markdown, json, yaml
    format: %s
  info:
    # Show the worker process id column in view
    process-id: %t

logging:
  # Log level: debug, info, warn, error
  level: %s
  # Log file path (empty means $XDG_STATE_HOME/circlink/circlink.log)
  path: ""
  rotation:
    max_size: %s
    max_backups: %d

links:
  # How often a worker rescans its files
  poll_interval: %s
  # How long start waits for a worker to confirm
  start_timeout: %s
  # How long stop waits for a worker to finish
  stop_timeout: %s
`
