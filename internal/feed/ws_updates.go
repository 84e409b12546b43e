// Package feed ingests pool updates pushed over a WebSocket stream, as an
// alternative to the Redis update topic for deployments where the indexer
// publishes directly.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/routecache/internal/domain"
)

const (
	// writeWait is the time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
)

// Applier applies one encoded domain.PoolUpdate.
// *registry.PoolRegistry satisfies it.
type Applier interface {
	ApplyMessage(ctx context.Context, data []byte) error
}

// Config tunes a WSUpdateFeed.
type Config struct {
	URL string
	// Chains, when set, are sent in a subscribe command after connecting.
	Chains            []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// OnDisconnect, when set, is called each time a connection is lost.
	OnDisconnect func(ctx context.Context, err error)
}

type subscribeCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Chains  []string `json:"chains"`
}

// WSUpdateFeed reads pool update envelopes from a WebSocket and applies them
// in arrival order. It reconnects with exponential backoff until its context
// is cancelled.
type WSUpdateFeed struct {
	cfg     Config
	applier Applier
	dialer  websocket.Dialer
	logger  *slog.Logger
}

// NewWSUpdateFeed creates a feed for cfg.URL.
func NewWSUpdateFeed(cfg Config, applier Applier, logger *slog.Logger) *WSUpdateFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	return &WSUpdateFeed{
		cfg:     cfg,
		applier: applier,
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:  logger.With(slog.String("component", "ws_update_feed")),
	}
}

// Run blocks until ctx is cancelled.
func (f *WSUpdateFeed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		received, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "pool update feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		if f.cfg.OnDisconnect != nil {
			f.cfg.OnDisconnect(ctx, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

// runConnection serves one connection. received reports whether at least one
// message arrived, which resets the backoff.
func (f *WSUpdateFeed) runConnection(ctx context.Context) (received bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	if len(f.cfg.Chains) > 0 {
		cmd := subscribeCommand{Type: "subscribe", Channel: domain.PoolUpdatedTopic, Chains: f.cfg.Chains}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(cmd); err != nil {
			return false, fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.InfoContext(ctx, "pool update feed connected",
		slog.String("url", f.cfg.URL),
		slog.Any("chains", f.cfg.Chains),
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("feed: read: %w", err)
		}
		received = true
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := f.applier.ApplyMessage(ctx, data); err != nil && !errors.Is(err, domain.ErrDecode) {
			f.logger.WarnContext(ctx, "pool update not applied",
				slog.String("error", err.Error()),
			)
		}
	}
}

// pingLoop keeps the connection alive and closes it when ctx is cancelled,
// which unblocks the read loop.
func (f *WSUpdateFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
