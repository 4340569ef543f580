// Package config loads master registry configuration from defaults, a YAML file,
// CR_-prefixed environment variables and command-line overrides, in that order.
package config
