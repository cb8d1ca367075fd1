// Package config loads, validates and watches the gateway configuration.
//
// Configuration is a single YAML document. Values may reference the
// environment with ${VAR} or ${VAR:-default}; a literal dollar sign is
// written as $$. Durations accept Go duration strings ("30s") or integer
// milliseconds (60000).
//
//	cfg, err := config.LoadConfig("configs/gateway.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
//
// Watcher reloads the file on change and hands the validated result to a
// callback; invalid edits are logged and ignored.
package config
