package http

import (
	"context"
	"encoding/json"
	"sync"

	"keepgoing-assistant/internal/alert"
	"keepgoing-assistant/internal/logger"
)

// Broker fans alert events from the NOTIFY listener out to dashboard
// streams, one clinician per subscription.  Slow subscribers drop events
// rather than block the listener; the dashboard re-reads the alert list on
// reconnect.
type Broker struct {
	log *logger.Logger

	mu   sync.Mutex
	subs map[string]map[chan alert.Event]struct{}
}

func NewBroker(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Nop()
	}
	return &Broker{log: log, subs: make(map[string]map[chan alert.Event]struct{})}
}

// Run consumes raw NOTIFY payloads until ctx is done or payloads closes.
func (b *Broker) Run(ctx context.Context, payloads <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-payloads:
			if !ok {
				return
			}
			if err := b.Notify(ctx, p); err != nil {
				b.log.Warn("ignoring malformed alert event", "error", err)
			}
		}
	}
}

// Notify publishes a raw event payload in process.  It lets the broker stand
// in for the Postgres notifier when there is no database to relay through.
func (b *Broker) Notify(_ context.Context, payload string) error {
	var ev alert.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return err
	}
	b.Publish(ev)
	return nil
}

// Publish delivers ev to every subscriber of its clinician.
func (b *Broker) Publish(ev alert.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.ClinicianID] {
		select {
		case ch <- ev:
		default:
			b.log.Warn("dashboard stream lagging, event dropped", "clinician_id", ev.ClinicianID, "alert_id", ev.AlertID)
		}
	}
}

// Subscribe returns a channel of events for clinicianID and a function that
// ends the subscription.
func (b *Broker) Subscribe(clinicianID string) (<-chan alert.Event, func()) {
	ch := make(chan alert.Event, 8)
	b.mu.Lock()
	if b.subs[clinicianID] == nil {
		b.subs[clinicianID] = make(map[chan alert.Event]struct{})
	}
	b.subs[clinicianID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[clinicianID], ch)
			if len(b.subs[clinicianID]) == 0 {
				delete(b.subs, clinicianID)
			}
			b.mu.Unlock()
		})
	}
}

// Subscribers reports how many streams are open for clinicianID.
func (b *Broker) Subscribers(clinicianID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[clinicianID])
}
