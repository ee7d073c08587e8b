package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"naskahsync/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection of a participant to a document.
type Client struct {
	Hub         *Hub
	Conn        *websocket.Conn
	DocID       string
	UserID      string
	DisplayName string
	Send        chan []byte

	limiter *rate.Limiter
}

// ServeWs upgrades the request and registers the connection with the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID, displayName string) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:         hub,
		Conn:        conn,
		DocID:       docID,
		UserID:      userID,
		DisplayName: displayName,
		Send:        make(chan []byte, 256),
		limiter:     hub.newLimiter(),
	}
	client.Hub.Register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.Hub.sendError(c, CodeBadRequest, "malformed message", uuid.Nil, nil)
			continue
		}

		// Set server-authoritative fields to prevent spoofing.
		msg.DocID = c.DocID
		msg.UserID = c.UserID

		if !c.limiter.Allow() {
			logger.Sugar.Warnf("Rate limit hit for %s on doc %s, dropping %s", c.UserID, c.DocID, msg.Type)
			var opID uuid.UUID
			if msg.Type == SubmitType {
				var p SubmitPayload
				if json.Unmarshal(msg.Payload, &p) == nil {
					opID = p.Op.OpID
				}
			}
			c.Hub.sendError(c, CodeRateLimited, "too many messages", opID, nil)
			continue
		}

		select {
		case c.Hub.Inbound <- inbound{client: c, msg: msg}:
		case <-c.Hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
