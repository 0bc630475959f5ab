// Package config provides centralized configuration management for the
// PulsePress runtime. It loads a single JSON file at startup, applies
// defaults for omitted fields, and resolves relative paths against the
// configuration directory so deployments can be relocated wholesale.
package config
