package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"trading-desk/internal/events"
)

// Monitor watches the bus for operational alerts, logs them and counts them.
type Monitor struct {
	Bus *events.Bus
	Log zerolog.Logger
	// AlertFn optionally forwards alerts to an external notifier.
	AlertFn func(events.Alert)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		m.Log.Warn().Msg("monitor: bus not set, alerts will not be tracked")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventOperationalAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				alert := toAlert(msg)
				OperationalAlerts.WithLabelValues(alert.Kind).Inc()
				m.Log.Error().Bool("alert", true).Str("kind", alert.Kind).Str("subject", alert.Subject).Msg(alert.Message)
				if m.AlertFn != nil {
					m.AlertFn(alert)
				}
			}
		}
	}()
}

func toAlert(v any) events.Alert {
	switch t := v.(type) {
	case events.Alert:
		return t
	case string:
		return events.Alert{Kind: "generic", Message: t}
	default:
		return events.Alert{Kind: "generic", Message: fmt.Sprintf("%v", t)}
	}
}
