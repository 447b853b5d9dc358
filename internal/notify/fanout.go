package notify

import "github.com/fostrom-dev/fostrom-agent/internal/moonlight"

// Fanout returns a moonlight.NotificationSink that forwards every
// notification to each of sinks, in order. Used to wire one session's
// notifications to both the SSE hub and the event log simultaneously.
func Fanout(sinks ...moonlight.NotificationSink) moonlight.NotificationSink {
	return fanoutSink(sinks)
}

type fanoutSink []moonlight.NotificationSink

func (f fanoutSink) Notify(event, data string) {
	for _, sink := range f {
		sink.Notify(event, data)
	}
}
