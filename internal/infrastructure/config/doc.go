// Package config handles loading and validating DeepSeek Control configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (the OpenRouter API key, MQTT password, JWT secret)
//     should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret and admin token must be set before the API will start
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Controller.DefaultModel)
package config
