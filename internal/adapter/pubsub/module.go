package pubsub

import (
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(NewEventDispatcher),
	fx.Invoke(func(lc fx.Lifecycle, d EventDispatcher) {
		lc.Append(fx.StopHook(func() error {
			return d.Close()
		}))
	}),
)
