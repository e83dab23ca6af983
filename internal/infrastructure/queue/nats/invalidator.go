package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ScopeInvalidator evicts cached permitted scopes when a permission-change
// event arrives. An event naming a user evicts that user; an event without a
// user id evicts everything, covering bulk grants and KB deletions.
type ScopeInvalidator struct {
	conn    *nats.Conn
	subject string
	cache   scopeEvictor
}

type scopeEvictor interface {
	InvalidateScope(userID string)
	InvalidateAllScopes()
}

type Options struct {
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

type permissionChangedEvent struct {
	UserID string `json:"user_id"`
	KBID   string `json:"kb_id"`
}

func NewScopeInvalidator(url, subject string, cache scopeEvictor, options Options) (*ScopeInvalidator, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}

	conn, err := nats.Connect(
		url,
		nats.Name("kb-retrieval-engine"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &ScopeInvalidator{conn: conn, subject: subject, cache: cache}, nil
}

func (i *ScopeInvalidator) Close() {
	if i.conn != nil {
		i.conn.Close()
	}
}

// Run subscribes and blocks until ctx is cancelled. Permission changes must
// reach every instance, so this is a plain subscription, not a queue group.
func (i *ScopeInvalidator) Run(ctx context.Context) error {
	sub, err := i.conn.Subscribe(i.subject, func(msg *nats.Msg) {
		i.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := i.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	return nil
}

func (i *ScopeInvalidator) handle(data []byte) {
	var event permissionChangedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("permission_event_malformed", "error", err)
		i.cache.InvalidateAllScopes()
		return
	}
	if event.UserID == "" {
		slog.Info("permission_scope_flush", "kb_id", event.KBID)
		i.cache.InvalidateAllScopes()
		return
	}
	slog.Info("permission_scope_invalidated", "user_id", event.UserID, "kb_id", event.KBID)
	i.cache.InvalidateScope(event.UserID)
}
