// Package config defines the OpenVHM server configuration: storage
// backend selection, transaction engine tuning, and telemetry settings.
//
// Configuration is loaded from a YAML file, validated with
// go-playground/validator struct tags, and published through a Live
// view that the transaction engine re-reads on every call. Reloading
// the file (manually or via Watch) swaps the Live view atomically, so
// changes to the retry budget or transaction tracing take effect
// without a restart.
package config
