package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/formloom/formloom/internal/protocol"
)

// How long a field may sit without keystrokes before the client asserts
// the typing indicator off. The server keeps no timeout of its own.
const TypingDebounce = time.Second

type Config struct {
	// Base ws URL of the server, e.g. "ws://localhost:8080"
	ServerURL     string
	FormID        string
	ParticipantID string
	DisplayName   string

	// Defaults to TypingDebounce when zero
	TypingDebounce time.Duration

	// Optional, invoked after each event is applied to the local state
	OnEvent func(protocol.ServerMessage)
}

// A connected participant. One Client is one connection; the server
// treats a reconnect as a fresh connection with a fresh session.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	mirror *State

	writeMu sync.Mutex

	typingMu     sync.Mutex
	typingActive map[string]bool
	typingTimers map[string]*time.Timer

	done chan struct{}
}

// Connects and joins the form's room. The roster arrives asynchronously
// as an activeUsers event on State.
func Dial(cfg Config) (*Client, error) {
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = TypingDebounce
	}

	url := fmt.Sprintf("%s/ws/%s", strings.TrimSuffix(cfg.ServerURL, "/"), cfg.FormID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		cfg:          cfg,
		conn:         conn,
		mirror:       NewState(),
		typingActive: make(map[string]bool),
		typingTimers: make(map[string]*time.Timer),
		done:         make(chan struct{}),
	}
	go c.readLoop()

	if err := c.write(protocol.ClientMessage{
		Type:          protocol.ClientJoin,
		ParticipantID: cfg.ParticipantID,
		DisplayName:   cfg.DisplayName,
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// The local mirror of the room
func (c *Client) State() *State {
	return c.mirror
}

// Blocks until the server stops sending events (connection closed)
func (c *Client) Wait() {
	<-c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			continue
		}
		if err := c.mirror.Apply(*msg); err != nil {
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(*msg)
		}
	}
}

func (c *Client) write(msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Sends a field value. The server echoes the confirmed value back as a
// fieldUpdated event; until then the local mirror keeps the old one.
func (c *Client) UpdateField(fieldID, value string) error {
	return c.write(protocol.ClientMessage{
		Type:    protocol.ClientUpdateField,
		FieldID: fieldID,
		Value:   value,
	})
}

// Signals intent to edit a field. Contention comes back as a
// fieldLocked event naming the current holder.
func (c *Client) LockField(fieldID string) error {
	return c.write(protocol.ClientMessage{
		Type:    protocol.ClientLockField,
		FieldID: fieldID,
	})
}

func (c *Client) UnlockField(fieldID string) error {
	return c.write(protocol.ClientMessage{
		Type:    protocol.ClientUnlockField,
		FieldID: fieldID,
	})
}

// Call on every keystroke in a field. The first call asserts the typing
// indicator; the indicator clears itself once the field has been quiet
// for the debounce interval.
func (c *Client) Typing(fieldID string) error {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	var err error
	if !c.typingActive[fieldID] {
		c.typingActive[fieldID] = true
		err = c.write(protocol.ClientMessage{
			Type:     protocol.ClientSetTyping,
			FieldID:  fieldID,
			IsTyping: true,
		})
	}

	if t := c.typingTimers[fieldID]; t != nil {
		t.Stop()
	}
	c.typingTimers[fieldID] = time.AfterFunc(c.cfg.TypingDebounce, func() {
		c.stopTyping(fieldID)
	})
	return err
}

func (c *Client) stopTyping(fieldID string) {
	c.typingMu.Lock()
	if !c.typingActive[fieldID] {
		c.typingMu.Unlock()
		return
	}
	delete(c.typingActive, fieldID)
	delete(c.typingTimers, fieldID)
	c.typingMu.Unlock()

	c.write(protocol.ClientMessage{
		Type:     protocol.ClientSetTyping,
		FieldID:  fieldID,
		IsTyping: false,
	})
}

// Announces the departure and closes the connection. The server runs
// the same cleanup whether we say goodbye or just vanish; saying
// goodbye gets the remaining members their events sooner.
func (c *Client) Leave() error {
	err := c.write(protocol.ClientMessage{Type: protocol.ClientLeave})
	c.Close()
	return err
}

func (c *Client) Close() {
	c.typingMu.Lock()
	for _, t := range c.typingTimers {
		t.Stop()
	}
	c.typingTimers = make(map[string]*time.Timer)
	c.typingActive = make(map[string]bool)
	c.typingMu.Unlock()

	c.conn.Close()
}
