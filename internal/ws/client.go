package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/protocol"
	"github.com/formloom/formloom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	opsPerSecond   = 25
	opBurst        = 50
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// One websocket connection into a form's room
type Client struct {
	coord *coordinator.Coordinator
	conn  *websocket.Conn

	formID       string
	connectionID string

	// Set by the join handshake
	participantID string
	displayName   string

	send    chan []byte
	done    chan struct{}
	limiter *ratelimit.Limiter

	state   atomic.Int32
	cleanup sync.Once
}

// Upgrades the request and starts the connection's pumps. The form id
// comes from the route; identity arrives with the join message.
func ServeWs(coord *coordinator.Coordinator, w http.ResponseWriter, r *http.Request) {
	formID := mux.Vars(r)["form"]
	if formID == "" {
		http.Error(w, "missing form id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		coord:        coord,
		conn:         conn,
		formID:       formID,
		connectionID: uuid.NewString(),
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		limiter:      ratelimit.NewLimiter(opsPerSecond, opBurst),
	}
	client.state.Store(int32(StateConnecting))

	log.Printf("Connection %s opened for form %s", client.connectionID, formID)

	go client.writePump()
	go client.readPump()
}

func (c *Client) currentState() ConnState {
	return ConnState(c.state.Load())
}

// Implements room.Sender. Never blocks: a member whose buffer is full
// is cut off so one slow consumer cannot stall the room.
func (c *Client) Send(msg protocol.ServerMessage) bool {
	if c.currentState() == StateTerminated {
		return false
	}
	data, err := msg.Encode()
	if err != nil {
		log.Printf("Encode error for connection %s: %v", c.connectionID, err)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Printf("Send buffer full, dropping connection %s", c.connectionID)
		c.conn.Close()
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.teardown(StateDisconnected)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.connectionID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			log.Printf("Rate limit exceeded for connection %s on form %s", c.connectionID, c.formID)
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			log.Printf("Invalid message from connection %s: %v", c.connectionID, err)
			continue
		}

		if c.handleMessage(msg) {
			return
		}
	}
}

// Dispatches one inbound message. Returns true when the connection
// should shut down (explicit leave).
func (c *Client) handleMessage(msg *protocol.ClientMessage) bool {
	switch msg.Type {
	case protocol.ClientJoin:
		c.handleJoin(msg)
		return false

	case protocol.ClientLeave:
		c.teardown(StateLeaving)
		return true
	}

	if c.currentState() != StateJoined {
		log.Printf("Dropping %s from connection %s before join", msg.Type, c.connectionID)
		return false
	}

	switch msg.Type {
	case protocol.ClientUpdateField:
		err := c.coord.UpdateField(c.formID, msg.FieldID, msg.Value, c.displayName)
		if err != nil {
			c.sendError(err)
		}

	case protocol.ClientLockField:
		res, err := c.coord.LockField(c.formID, c.connectionID, msg.FieldID, c.participantID, c.displayName)
		if err != nil {
			c.sendError(err)
		} else if !res.Granted {
			// Contention is not an error; tell the requester who holds it.
			c.Send(protocol.NewFieldLocked(res.Holder.FieldID, res.Holder.ParticipantID, res.Holder.DisplayName))
		}

	case protocol.ClientUnlockField:
		if err := c.coord.UnlockField(c.formID, c.connectionID, msg.FieldID, c.participantID); err != nil {
			c.sendError(err)
		}

	case protocol.ClientSetTyping:
		if err := c.coord.SetTyping(c.formID, c.connectionID, msg.FieldID, c.displayName, msg.IsTyping); err != nil {
			c.sendError(err)
		}
	}
	return false
}

func (c *Client) handleJoin(msg *protocol.ClientMessage) {
	if msg.ParticipantID == "" || msg.DisplayName == "" {
		log.Printf("Join without identity from connection %s", c.connectionID)
		return
	}

	c.participantID = msg.ParticipantID
	c.displayName = msg.DisplayName

	_, err := c.coord.Join(c.formID, c.connectionID, c.participantID, c.displayName, c)
	if err != nil {
		// Non-fatal: the connection stays open and may retry the join.
		c.sendError(err)
		return
	}
	c.state.Store(int32(StateJoined))
}

// Runs the cleanup path exactly once: release the participant's locks,
// drop the session, broadcast the departure, then go Terminated. The
// path is identical for an explicit leave and an abrupt drop.
func (c *Client) teardown(cause ConnState) {
	c.cleanup.Do(func() {
		wasJoined := c.currentState() == StateJoined
		c.state.Store(int32(cause))

		if wasJoined {
			c.coord.Leave(c.formID, c.connectionID)
		}
		close(c.done)
		c.state.Store(int32(StateTerminated))

		log.Printf("Connection %s closed for form %s (%s)", c.connectionID, c.formID, cause)
	})
}

// Reported only to the originating connection, never broadcast.
func (c *Client) sendError(err error) {
	var code string
	switch {
	case errors.Is(err, coordinator.ErrRoomUnavailable):
		code = "roomUnavailable"
	case errors.Is(err, coordinator.ErrFieldUnknown):
		code = "fieldUnknown"
	case errors.Is(err, coordinator.ErrPersistenceFailed):
		code = "persistenceFailed"
	default:
		code = "internal"
	}
	c.Send(protocol.NewError(code, err.Error()))
}

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
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// Flush whatever already made it into the buffer, then say goodbye.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
