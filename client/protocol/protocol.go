// Package protocol is a LegacyChat client. Each call opens a connection,
// sends one request, reads one response and closes, matching the way the
// desktop clients talk to the server.
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"legacychat/models"
	wire "legacychat/protocol"
)

// DefaultPollInterval is the cadence at which clients poll get_messages.
const DefaultPollInterval = time.Second

// ServerError is an error response from the server.
type ServerError struct {
	Action  string
	Message string
}

func (e *ServerError) Error() string {
	return e.Action + ": " + e.Message
}

// Client talks to one LegacyChat server.
type Client struct {
	Addr    string
	Timeout time.Duration // per request, dial included; 0 means 10s
}

func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: 10 * time.Second}
}

// Do sends a single request on a fresh connection and returns the decoded
// response. A response with status "error" is returned as-is, not as an error.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return wire.Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.NewEncoder(conn).Encode(req); err != nil {
		return wire.Response{}, fmt.Errorf("send %s: %w", req.Action(), err)
	}

	line, err := wire.NewDecoder(conn, 0).ReadLine()
	if err != nil {
		return wire.Response{}, fmt.Errorf("read %s response: %w", req.Action(), err)
	}

	var resp wire.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return wire.Response{}, fmt.Errorf("decode %s response: %w", req.Action(), err)
	}
	return resp, nil
}

// call is Do with error responses turned into *ServerError.
func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, &ServerError{Action: req.Action(), Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) Signup(ctx context.Context, username, password string) error {
	_, err := c.call(ctx, wire.Request{"action": "signup", "username": username, "password": password})
	return err
}

// Login verifies credentials and returns the buddy display names.
func (c *Client) Login(ctx context.Context, username, password string) ([]string, error) {
	resp, err := c.call(ctx, wire.Request{"action": "login", "username": username, "password": password})
	if err != nil {
		return nil, err
	}
	return resp.Buddies, nil
}

func (c *Client) AddBuddy(ctx context.Context, username, buddyUsername, buddyName string) error {
	_, err := c.call(ctx, wire.Request{
		"action":         "add_buddy",
		"username":       username,
		"buddy_username": buddyUsername,
		"buddy_name":     buddyName,
	})
	return err
}

func (c *Client) SendMessage(ctx context.Context, sender, recipient, text string) error {
	return c.sendMessage(ctx, sender, recipient, text, "")
}

func (c *Client) SendNudge(ctx context.Context, sender, recipient string) error {
	return c.sendMessage(ctx, sender, recipient, "[Nudge]", models.TypeNudge)
}

func (c *Client) SendWink(ctx context.Context, sender, recipient string) error {
	return c.sendMessage(ctx, sender, recipient, "[Wink]", models.TypeWink)
}

func (c *Client) sendMessage(ctx context.Context, sender, recipient, text, typ string) error {
	req := wire.Request{"action": "send_message", "sender": sender, "recipient": recipient, "message": text}
	if typ != "" {
		req["type"] = typ
	}
	_, err := c.call(ctx, req)
	return err
}

// SendFile base64-encodes data into the filedata field.
func (c *Client) SendFile(ctx context.Context, sender, recipient, filename string, data []byte) error {
	_, err := c.call(ctx, wire.Request{
		"action":    "send_file",
		"sender":    sender,
		"recipient": recipient,
		"filename":  filename,
		"filedata":  base64.StdEncoding.EncodeToString(data),
	})
	return err
}

// GetMessages drains the user's mailbox.
func (c *Client) GetMessages(ctx context.Context, username string) ([]models.Message, error) {
	resp, err := c.call(ctx, wire.Request{"action": "get_messages", "username": username})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Poll drains the mailbox every interval and hands each message to fn, in
// order, until ctx is done. It returns nil when ctx ends and the first
// transport or server error otherwise.
func (c *Client) Poll(ctx context.Context, username string, interval time.Duration, fn func(models.Message)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msgs, err := c.GetMessages(ctx, username)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			fn(msg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var ErrNotFile = errors.New("message is not a file")

// DecodeFile returns the attachment carried by a file message.
func DecodeFile(msg models.Message) ([]byte, error) {
	if msg.Kind() != models.TypeFile {
		return nil, ErrNotFile
	}
	return base64.StdEncoding.DecodeString(msg.Filedata)
}
