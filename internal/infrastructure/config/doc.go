// Package config handles loading and validating Homecore configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with HOMECORE_* environment variables
//   - Validation of every section, reporting all failures at once
//
// Secrets (MQTT password, InfluxDB token, JWT secret) should be set via
// environment variables rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
