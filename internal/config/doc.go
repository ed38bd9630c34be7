// Package config loads the SprintPilot runtime configuration from a YAML or
// JSON file, fills defaults and applies SPRINTPILOT_* environment overrides.
package config
