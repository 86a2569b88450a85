package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// ChannelQueue carries a wake-up whenever new work is queued. Notifications
// are sent inside the enqueueing transaction, so Postgres delivers them only
// after commit.
const ChannelQueue = "assay_queue"

var errNoNotifyConn = errors.New("storage: notify connection not configured")

// listener owns the LISTEN connection. It is used by one goroutine at a time.
type listener struct {
	dsn      string
	conn     *pgx.Conn
	channels []string
	logger   *slog.Logger
}

func (l *listener) connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("storage: connect notify: %w", err)
	}
	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("storage: listen %s: %w", ch, err)
		}
	}
	l.conn = conn
	return nil
}

func (l *listener) close(ctx context.Context) {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(ctx); err != nil {
		l.logger.Warn("storage: close notify connection", "error", err)
	}
}

// Listen subscribes the notify connection to channel. The subscription
// survives reconnects.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notify == nil {
		return errNoNotifyConn
	}
	if _, err := db.notify.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	db.notify.channels = append(db.notify.channels, channel)
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel. When the connection was lost it reconnects first; the error of a
// failed wait is still returned so the caller can back off.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	l := db.notify
	if l == nil {
		return "", "", errNoNotifyConn
	}
	if l.conn.IsClosed() {
		if err := l.connect(ctx); err != nil {
			return "", "", err
		}
		db.logger.Info("storage: notify connection re-established", "channels", l.channels)
	}
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

func notifyQueue(ctx context.Context, tx pgx.Tx, kind string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelQueue, kind); err != nil {
		return fmt.Errorf("storage: notify queue: %w", err)
	}
	return nil
}
