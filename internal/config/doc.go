// Package config provides centralized configuration management for the
// AgentPay runtime, loading the daemon's JSON configuration file and applying
// sensible defaults. Secrets such as the operator signing key are never read
// from the file itself, only from environment variables it points to.
package config
