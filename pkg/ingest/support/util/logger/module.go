package logger

import "go.uber.org/fx"

// Module routes Fx lifecycle events through this package.
var Module = fx.Options(
	fx.WithLogger(NewFxLoggerAdapter),
)
