package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to read the next pong from the server
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue capacity
	writeBufferSize = 256
)

// Client is a single live connection to the backend socket
type Client struct {
	conn      *websocket.Conn
	send      chan []byte // buffered outbound frames
	manager   *Manager
	closeChan chan struct{}
}

func newClient(conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan []byte, writeBufferSize),
		manager:   manager,
		closeChan: make(chan struct{}),
	}
}

// serve runs the pumps and returns once the connection is gone
func (c *Client) serve(ctx context.Context) {
	go c.writePump()

	stop := context.AfterFunc(ctx, func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
	defer stop()

	c.readPump()
}

// enqueue hands a frame to the write pump
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrNotConnected
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closeChan:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// readPump decodes inbound frames and hands them to the manager
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("Unexpected socket close: %v", err)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			log.Warnf("Error unmarshaling socket event: %v", err)
			continue
		}
		if event.Type == "" {
			continue
		}

		c.manager.dispatch(event)
	}
}

// writePump sends queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warnf("Error writing socket frame: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}
