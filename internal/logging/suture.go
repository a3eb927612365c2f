package logging

import "github.com/thejerf/suture/v4"

// SutureHook logs supervisor events (service panics, restarts, backoff).
func SutureHook() suture.EventHook {
	l := With("supervisor")
	return func(e suture.Event) {
		ev := l.Warn()
		if e.Type() == suture.EventTypeServicePanic {
			ev = l.Error()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}
