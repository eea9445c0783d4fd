// Package config handles loading and validating instrumentd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Configuration is loaded once at startup. Secrets (the InfluxDB token)
// should be supplied through environment variables.
//
// Usage:
//
//	cfg, err := config.Load("configs/instrumentd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.TransportURL())
package config
