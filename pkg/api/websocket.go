package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/orderflow/pkg/order"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

var (
	errClientClosed = errors.New("client closed")
	errSlowClient   = errors.New("client send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Client is one WebSocket subscriber to a single order's status stream.
type Client struct {
	conn    *websocket.Conn
	orderID string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn, orderID string) *Client {
	return &Client{
		conn:    conn,
		orderID: orderID,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// Send queues ev for the write pump without blocking.
func (c *Client) Send(ev order.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.close()
		return errSlowClient
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client frames and unsubscribes once the connection ends
func (s *Server) readPump(c *Client) {
	defer func() {
		s.streams.Unsubscribe(c.orderID, c)
		c.close()
		c.conn.Close()
		s.log.Debugw("ws_client_disconnected", "order_id", c.orderID, "remote", c.conn.RemoteAddr().String())
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Infow("ws_read_error", "order_id", c.orderID, "err", err)
			}
			return
		}
	}
}

// writePump writes queued status events, one frame per event, and pings
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
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleOrderStream upgrades GET /ws/orders?orderId=<id> and subscribes the
// connection to that order's status events
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "orderId is required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := newClient(conn, orderID)
	go c.writePump()
	if err := s.streams.Subscribe(orderID, c); err != nil {
		s.log.Warnw("ws_subscribe_failed", "order_id", orderID, "err", err)
		c.close()
		return
	}
	s.log.Debugw("ws_client_connected", "order_id", orderID, "remote", conn.RemoteAddr().String())
	go s.readPump(c)
}
