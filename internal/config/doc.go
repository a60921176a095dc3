// Package config provides configuration loading and validation for the
// caption service. It handles YAML-based configuration with per-section
// struct validation and duration conversion helpers.
package config
