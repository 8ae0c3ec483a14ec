// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CODEJAIL_* environment variables. It
// covers server transport settings, the default and maximum resource limit
// profiles, admission ceilings, jail construction parameters, API keys and
// logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
