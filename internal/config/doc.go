// Package config loads and saves the server configuration file.
//
// The configuration is a YAML document stored in the platform-appropriate
// location:
//   - Linux: $XDG_CONFIG_HOME/iotgate/server.yaml or $HOME/.config/iotgate/server.yaml
//   - macOS: $HOME/.config/iotgate/server.yaml
//   - Windows: %LOCALAPPDATA%\iotgate\server.yaml
//
// Values missing from the file keep their defaults, and command-line flags
// override both.
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Listen.Port = 6060
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Security
//
// The hmac secret is the only credential this file may hold. Device keys live
// in the credentials store, hashed.
package config
