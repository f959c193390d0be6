// Package websocket implements the hot module replacement channel: a hub
// that keeps the connected browsers and fans build notifications out to
// them.
package websocket

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Message types sent to browsers.
const (
	TypeConnected    = "connected"
	TypePagesUpdated = "pages-updated"
	TypeCSSUpdated   = "css-updated"
	TypeJSUpdated    = "js-updated"
	TypeMenuUpdated  = "menu-updated"
	TypeFileChanged  = "file-changed"
	TypeError        = "error"
	TypePong         = "pong"
	TypeStats        = "stats"
)

// Message types sent by browsers.
const (
	TypePing     = "ping"
	TypeGetStats = "get-stats"
)

// Message is the JSON envelope of every frame in both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Conn is the part of a WebSocket connection the hub uses. *websocket.Conn
// implements it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one connected browser.
type Client struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	conn       Conn
	send       chan []byte
	done       chan struct{}
	registered chan struct{}
}

// HubStats describes the hub for the get-stats reply and engine stats.
type HubStats struct {
	Clients    int    `json:"clients" yaml:"clients"`
	Broadcasts uint64 `json:"broadcasts" yaml:"broadcasts"`
	Sent       uint64 `json:"sent" yaml:"sent"`
	Dropped    uint64 `json:"dropped" yaml:"dropped"`
}
