// Package config provides YAML configuration loading and validation for the
// meeting ingestion service: listener ports, recording feature flags, the
// post-archive pipeline provider selection, and logging options.
package config
