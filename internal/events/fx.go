package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(func(sink *LogSink) Sink { return sink }),
	fx.Provide(NewLogSink),
	fx.Provide(NewOutbox),
)
