package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StoreEventsStream = "STORE_EVENTS"
	storeEventsMaxAge = 24 * time.Hour
)

// EnsureStreams creates (or validates) the stream that carries store change
// notifications on store.event.>.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StoreEventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      StoreEventsStream,
			Subjects:  []string{"store.event.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    storeEventsMaxAge,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
