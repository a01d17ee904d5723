// Package config loads YAML configuration for the gateway and agent
// binaries. ${VAR} references expand from the environment before parsing,
// which keeps gateway tokens and DSNs out of config files on disk.
package config
