/*
Package notify delivers ledger notifications to users and other services.

SINKS:
  - Store: persists to the notifications table (GET /api/accounts/{id}/notifications)
  - NATS:  publishes JSON to a subject for push/email workers
  - Log:   structured log line per notification

Sinks are combined with ledger.Multi. The engine calls them after commit;
a failing sink is logged and never undoes a transition.
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/warp/reward-ledger/ledger"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject for ledger notifications.
const DefaultSubject = "ledger.notifications"

// =============================================================================
// STORE
// =============================================================================

// Store writes notifications through a ledger.NotificationStore.
type Store struct {
	store ledger.NotificationStore
}

func NewStore(store ledger.NotificationStore) *Store {
	return &Store{store: store}
}

func (s *Store) Notify(ctx context.Context, n ledger.Notification) error {
	return s.store.SaveNotification(ctx, n)
}

// =============================================================================
// NATS
// =============================================================================

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATS publishes each notification as JSON.
type NATS struct {
	pub     Publisher
	subject string
}

func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("reward-ledger"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

func (p *NATS) Notify(_ context.Context, n ledger.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

// Log writes one info line per notification.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n ledger.Notification) error {
	l.log.Info("notification",
		zap.String("user_id", string(n.UserID)),
		zap.String("kind", string(n.Kind)),
		zap.Int64("amount", n.Amount),
		zap.String("message", n.Message))
	return nil
}
