package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

const writeWait = 10 * time.Second

// UpdateFunc observes every applied event together with the resulting state.
type UpdateFunc func(ev realtime.Event, snap Snapshot)

// Client owns one websocket connection and the Machine it drives. Every state change happens
// on the Run goroutine; the exported methods only enqueue work for it.
type Client struct {
	ws      *websocket.Conn
	machine *Machine
	logger  *zap.Logger

	onUpdate UpdateFunc
	commands chan func(*Machine) []Frame
	done     chan struct{}
}

// WebSocketURL turns an http(s) server address into the /ws endpoint for token.
func WebSocketURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects userID's client to server.
func Dial(ctx context.Context, server, userID, token string, logger *zap.Logger) (*Client, error) {
	wsURL, err := WebSocketURL(server, token)
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("server rejected token: %w", err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", server, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ws:       ws,
		machine:  NewMachine(userID),
		logger:   logger,
		commands: make(chan func(*Machine) []Frame),
		done:     make(chan struct{}),
	}, nil
}

// OnUpdate registers fn before Run is called.
func (c *Client) OnUpdate(fn UpdateFunc) { c.onUpdate = fn }

// Run reads server events and applies them until ctx is cancelled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	events := make(chan realtime.Event)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					close(events)
					return nil
				}
				return fmt.Errorf("read failed: %w", err)
			}
			ev, err := realtime.Decode(data)
			if err != nil {
				c.logger.Warn("Skipping undecodable frame", zap.Error(err))
				continue
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		// Unblocks the reader once the loop stops.
		defer c.ws.Close()
		for {
			select {
			case <-gctx.Done():
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(writeWait))
				return nil
			case ev, ok := <-events:
				if !ok {
					return errConnectionClosed
				}
				frames := c.machine.Apply(ev)
				if c.onUpdate != nil {
					c.onUpdate(ev, c.machine.Snapshot())
				}
				if err := c.write(frames); err != nil {
					return err
				}
			case cmd := <-c.commands:
				if err := c.write(cmd(c.machine)); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errConnectionClosed) {
		return nil
	}
	return err
}

var errConnectionClosed = errors.New("connection closed")

func (c *Client) write(frames []Frame) error {
	for _, f := range frames {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := c.ws.WriteJSON(f); err != nil {
			return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
		}
	}
	return nil
}

// do runs cmd on the Run goroutine. It fails once Run has returned.
func (c *Client) do(ctx context.Context, cmd func(*Machine) []Frame) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Match(ctx context.Context, requestID string) error {
	return c.do(ctx, func(m *Machine) []Frame { return m.Match(requestID) })
}

func (c *Client) Send(ctx context.Context, content string) error {
	return c.do(ctx, func(m *Machine) []Frame { return m.Send(content) })
}

func (c *Client) End(ctx context.Context, rating *int) error {
	return c.do(ctx, func(m *Machine) []Frame { return m.End(rating) })
}

// ResetFeed replaces the feed with requests fetched from the active requests endpoint.
func (c *Client) ResetFeed(ctx context.Context, requests []store.Request) error {
	return c.do(ctx, func(m *Machine) []Frame {
		m.ResetFeed(requests)
		return nil
	})
}

// Snapshot returns the current state as seen by the Run goroutine.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	err := c.do(ctx, func(m *Machine) []Frame {
		result <- m.Snapshot()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return <-result, nil
}
