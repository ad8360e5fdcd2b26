package logging

import (
	"context"
	"log/slog"
)

// ForwardEvents sends every event published on eb to sinks until ctx is
// done. Events are filtered per sink by severity.
func ForwardEvents(ctx context.Context, eb *EventBuffer, sinks []Sink) {
	if len(sinks) == 0 {
		return
	}
	sub := eb.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			sev := rec.Severity()
			msg := rec.String()
			for _, s := range sinks {
				if !s.ShouldSend(sev) {
					continue
				}
				if err := s.Send(sev, msg); err != nil {
					slog.Debug("event forward failed", "type", rec.Type, "err", err)
				}
			}
		}
	}
}
