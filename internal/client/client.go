// Package client talks to the lobby server on behalf of one player: table
// requests over HTTP and the lobby event stream over a websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/handler"
	"github.com/lobby-ratings/internal/websocket"
)

// RequestError is a request the server refused.
type RequestError struct {
	Status int
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("server refused request (%d): %s", e.Status, e.Reason)
}

// Client is a director.TableService over the HTTP API.
type Client struct {
	baseURL string
	self    *domain.Player
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client acting as self against the server at baseURL.
func New(baseURL string, self *domain.Player, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		self:    self.Clone(),
		http:    httpClient,
		logger:  logger,
	}
}

func (c *Client) tablesPath(lobbyID string) string {
	return "/api/v1/lobbies/" + url.PathEscape(lobbyID) + "/tables"
}

func (c *Client) tablePath(lobbyID string, tableID int, action string) string {
	return c.tablesPath(lobbyID) + "/" + strconv.Itoa(tableID) + "/" + action
}

// Tables lists a lobby's open tables.
func (c *Client) Tables(ctx context.Context, lobbyID string) ([]*domain.Table, error) {
	var tables []*domain.Table
	if err := c.call(ctx, http.MethodGet, c.tablesPath(lobbyID), nil, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// CreateTable creates a table, or a party game.
func (c *Client) CreateTable(ctx context.Context, lobbyID string, req domain.CreateTableRequest) (*domain.Table, error) {
	var t domain.Table
	if err := c.call(ctx, http.MethodPost, c.tablesPath(lobbyID), req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// JoinTable asks for a seat.
func (c *Client) JoinTable(ctx context.Context, lobbyID string, tableID, position int) error {
	return c.call(ctx, http.MethodPost, c.tablePath(lobbyID, tableID, "join"),
		domain.JoinTableRequest{Position: position}, nil)
}

// LeaveTable gives up a seat.
func (c *Client) LeaveTable(ctx context.Context, lobbyID string, tableID int) error {
	return c.call(ctx, http.MethodPost, c.tablePath(lobbyID, tableID, "leave"), nil, nil)
}

// StartTableNow starts a table early.
func (c *Client) StartTableNow(ctx context.Context, lobbyID string, tableID int) error {
	return c.call(ctx, http.MethodPost, c.tablePath(lobbyID, tableID, "start"), nil, nil)
}

// BootPlayer removes another player from a table.
func (c *Client) BootPlayer(ctx context.Context, lobbyID string, tableID, targetBodyOID int) error {
	return c.call(ctx, http.MethodPost, c.tablePath(lobbyID, tableID, "boot"),
		domain.BootPlayerRequest{TargetBodyOID: targetBodyOID}, nil)
}

// Invite sends an invitation.
func (c *Client) Invite(ctx context.Context, req domain.InviteRequest) (*domain.Invitation, error) {
	var inv domain.Invitation
	if err := c.call(ctx, http.MethodPost, "/api/v1/invitations", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Respond answers an invitation.
func (c *Client) Respond(ctx context.Context, inviteID string, resp domain.InviteResponse) (*domain.Invitation, error) {
	var inv domain.Invitation
	path := "/api/v1/invitations/" + url.PathEscape(inviteID) + "/respond"
	if err := c.call(ctx, http.MethodPost, path, resp, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// PostMatchEvent reports a game server lifecycle event.
func (c *Client) PostMatchEvent(ctx context.Context, ev domain.MatchEvent) error {
	return c.call(ctx, http.MethodPost, "/api/v1/matches/events", ev, nil)
}

// call performs one API request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.identify(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response (%d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return &RequestError{Status: resp.StatusCode, Reason: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding data: %w", err)
		}
	}
	return nil
}

func (c *Client) identify(h http.Header) {
	h.Set(handler.HeaderBodyOID, strconv.Itoa(c.self.BodyOID))
	if c.self.PlayerID > 0 {
		h.Set(handler.HeaderPlayerID, strconv.Itoa(c.self.PlayerID))
	}
	if c.self.Name != "" {
		h.Set(handler.HeaderPlayerName, c.self.Name)
	}
}

// EventSink receives the replicated lobby stream.
type EventSink interface {
	Apply(ev domain.TableEvent)
}

// InvitationSink receives invitations addressed to this player.
type InvitationSink func(inv *domain.Invitation)

// Stream subscribes to lobbyID and feeds table events into sink until ctx
// is cancelled or the connection drops. invitations may be nil.
func (c *Client) Stream(ctx context.Context, lobbyID string, sink EventSink, invitations InvitationSink) error {
	wsURL, err := c.streamURL(lobbyID)
	if err != nil {
		return err
	}
	header := http.Header{}
	c.identify(header)

	conn, _, err := gws.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dialing lobby stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || gws.IsCloseError(err, gws.CloseNormalClosure) {
				return ctx.Err()
			}
			return fmt.Errorf("reading lobby stream: %w", err)
		}
		c.dispatch(msg, sink, invitations)
	}
}

func (c *Client) dispatch(msg websocket.Message, sink EventSink, invitations InvitationSink) {
	switch msg.Type {
	case websocket.MessageTypeTableEvent:
		var ev domain.TableEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed table event", "error", err)
			return
		}
		sink.Apply(ev)
	case websocket.MessageTypeInvitation:
		if invitations == nil {
			return
		}
		var inv domain.Invitation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			c.logger.Warn("dropping malformed invitation", "error", err)
			return
		}
		invitations(&inv)
	case websocket.MessageTypeError:
		c.logger.Warn("lobby stream error", "data", string(msg.Data))
	}
}

func (c *Client) streamURL(lobbyID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("server url must be http or https")
	}
	u.RawQuery = url.Values{"lobby": {lobbyID}}.Encode()
	return u.String(), nil
}
