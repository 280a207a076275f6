package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// NotifyChannel is the channel job creation notifies on.
const NotifyChannel = "enhancement_outbox"

// Listen wakes the relay on every notification from job creation. It
// returns when ctx ends. Polling still covers notifications lost while the
// connection was down.
func Listen(ctx context.Context, dsn string, relay *Relay, logger zerolog.Logger) error {
	log := logger.With().Str("component", "relay_listener").Logger()
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("relay: listener connection lost")
		case pq.ListenerEventReconnected:
			log.Info().Msg("relay: listener reconnected")
			relay.Wake()
		}
	})
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	log.Info().Str("channel", NotifyChannel).Msg("relay: listening")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			// nil follows a reconnect.
			if n != nil {
				log.Debug().Str("job_id", n.Extra).Msg("relay: notified")
			}
			relay.Wake()
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				log.Warn().Err(err).Msg("relay: listener ping failed")
			}
		}
	}
}
