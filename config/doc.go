// Package config provides application configuration management.
//
// The config package loads the service configuration from YAML files and
// SANDBOXD_* environment variables using viper, fills in defaults for every
// key and validates the result. It covers the tool server, the sandbox
// engine (identity provider, timeouts, output bounds) and the per-language
// build/run templates with their resource ceilings.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Wall clock: %s\n", cfg.GetTimeout())
package config
