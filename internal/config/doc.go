// Package config provides centralized configuration management for the
// PeopleCore licensing engine. It handles loading configuration from
// multiple sources, validation, and a type-safe API for accessing
// configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern PEOPLECORE_* for namespacing:
//
//	PEOPLECORE_SERVER_PORT=8080
//	PEOPLECORE_LICENSE_TOKEN_FILE=/etc/peoplecore/license.jwt
//	PEOPLECORE_LICENSE_PUBLIC_KEY_FILE=/etc/peoplecore/license.pub
//	PEOPLECORE_ADMIN_PANEL_BASE_URL=https://admin.peoplecore.example.com
//	PEOPLECORE_ADMIN_PANEL_API_KEY=...
//	PEOPLECORE_LOGGING_LEVEL=info
//
// # Validation
//
// All configuration is validated at load time to ensure required fields
// are present, values are within acceptable ranges, and the key material
// matching the configured token algorithm is available.
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
