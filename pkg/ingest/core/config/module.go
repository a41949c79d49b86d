package config

import "go.uber.org/fx"

// Module provides *Config from the embedded YAML and the environment.
var Module = fx.Options(
	fx.Provide(NewConfigProvider),
)
