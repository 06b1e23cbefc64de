/*
Package event provides the notification primitives used across aide.

# Bus

Bus is the process-wide pub/sub channel between components that do not know
each other: the chat service announces sessions, the dispatcher announces
stage transitions, the editing session announces working set changes, and the
HTTP server streams all of it to clients over SSE.

	bus := event.NewBus()
	defer bus.Close()

	log := logging.Component("stages")
	sub := bus.Subscribe(event.ExchangeStage, func(e event.Event) {
		data := e.Data.(event.ExchangeStageData)
		log.Info().Str("stage", data.Stage).Msg("stage changed")
	})
	defer sub.Release()

	bus.PublishSync(event.Event{Type: event.ExchangeStage, Data: event.ExchangeStageData{...}})

Every published event is also mirrored as JSON onto a watermill GoChannel
topic; Listen returns that stream for consumers that only need eventual
delivery (the session autosaver). Order across mirrored messages is not
guaranteed, use Subscribe when order matters.

# Emitter, Subscription and Scope

Models expose typed change streams with Emitter[T]. Subscribe returns a
*Subscription; owners collect the handles of everything they listen to in a
Scope and release the scope on teardown:

	scope := event.NewScope()
	scope.Add(model.OnDidChange(func(c chat.ChangeEvent) { ... }))
	scope.Add(entry.RewriteRatio.Subscribe(func(r float64) { ... }))
	defer scope.Release()

Emitter.Fire calls listeners synchronously in the firing goroutine. Listeners
must not block and must not fire on the same emitter re-entrantly while
holding locks the firing side holds.

# Observable

Observable[T] is a value cell with change notification, used for continuously
updated values such as a file entry's rewrite ratio.
*/
package event
