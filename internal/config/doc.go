// Package config provides configuration management for miniphi.
//
// # Overview
//
// Configuration is loaded with Viper from ~/.miniphi/config.yaml, which is
// created with defaults on first use, and merged with environment variables.
//
// # Environment Variables
//
// Any value can be overridden with the MINIPHI_ prefix; nested keys are
// joined with underscores:
//   - MINIPHI_CHAT_MODEL=microsoft/phi-4-reasoning-plus
//   - MINIPHI_BACKEND_TRANSPORT=rest
//   - MINIPHI_ROUTER_ENABLED=true
//   - MINIPHI_LOGGING_LEVEL=debug
//
// MINIPHI_FORCE_REST=1 is read directly by the chat client and forces the
// REST transport regardless of the file.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
package config
