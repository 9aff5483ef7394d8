package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"keepgoing-assistant/internal/logger"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  The alert
// dispatcher publishes through it and the clinician dashboard stream
// listens on the same channel.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
	log     *logger.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.  dsn is only needed by
// Listen, which holds its own connection.
func NewNotifier(db *sql.DB, dsn, channel string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{DB: db, DSN: dsn, Channel: channel, log: log}
}

// Notify sends payload on the channel.  pg_notify is used instead of
// NOTIFY so the payload can be bound as a parameter.
func (n *Notifier) Notify(ctx context.Context, payload string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, payload)
	return err
}

// Listen yields payloads received on the channel until ctx is cancelled.
// The listener reconnects on its own; a reconnect is logged and any
// notifications sent while disconnected are lost.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	if n.DSN == "" {
		return nil, fmt.Errorf("notifier: listen requires a DSN")
	}
	listener := pq.NewListener(n.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			n.log.Warn("notify listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			n.log.Info("notify listener reconnected", "channel", n.Channel)
		case pq.ListenerEventConnectionAttemptFailed:
			n.log.Warn("notify listener connect failed", "error", err)
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer func() {
			_ = listener.Close()
			close(out)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-listener.Notify:
				// nil after a reconnect
				if note == nil {
					continue
				}
				select {
				case out <- note.Extra:
				case <-ctx.Done():
					return
				}
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					n.log.Warn("notify listener ping failed", "error", err)
				}
			}
		}
	}()
	return out, nil
}
