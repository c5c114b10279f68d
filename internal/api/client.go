package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/carewire/carewire/internal/auth"
	"github.com/carewire/carewire/internal/wire"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the server has no room for the requested
// participant.
var ErrNotFound = errors.New("not found")

const requestTimeout = 10 * time.Second

// Client is the REST fallback for operations the push connection cannot
// serve: room lookup and creation, and presence polling while offline.
// Calls run through a circuit breaker so a struggling server is probed,
// not hammered.
type Client struct {
	base   string
	http   *http.Client
	tokens auth.TokenSource
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

// NewClient creates a REST client against the given base URL.
func NewClient(base string, tokens auth.TokenSource, logger *zap.Logger) *Client {
	st := gobreaker.Settings{
		Name:        "api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: requestTimeout},
		tokens: tokens,
		cb:     gobreaker.NewCircuitBreaker(st),
		log:    logger,
	}
}

// FetchRoomByParticipant looks up the direct room shared with the given
// participant. Returns ErrNotFound when no such room exists.
func (c *Client) FetchRoomByParticipant(ctx context.Context, participantID string) (wire.RoomUpdate, error) {
	var room wire.RoomUpdate
	path := "/v1/rooms?participant=" + url.QueryEscape(participantID)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return room, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
			return room, fmt.Errorf("decode room: %w", err)
		}
		return room, nil
	case http.StatusNotFound:
		return room, ErrNotFound
	default:
		return room, fmt.Errorf("fetch room: unexpected status %d", resp.StatusCode)
	}
}

// CreateRoom creates a room with the given participants. When the server
// reports a conflict it returns the canonical room it already holds, so a
// racing create never yields a duplicate.
func (c *Client) CreateRoom(ctx context.Context, participants []string, group bool) (wire.RoomUpdate, error) {
	var room wire.RoomUpdate
	body, err := json.Marshal(map[string]any{
		"participants": participants,
		"isGroup":      group,
	})
	if err != nil {
		return room, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/rooms", body)
	if err != nil {
		return room, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		// The conflict body carries the canonical room.
		if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
			return room, fmt.Errorf("decode room: %w", err)
		}
		return room, nil
	default:
		return room, fmt.Errorf("create room: unexpected status %d", resp.StatusCode)
	}
}

// QueryPresence fetches the current presence of the given users. Used by
// the presence poll loop while the push connection is down.
func (c *Client) QueryPresence(ctx context.Context, userIDs []string) ([]wire.PresenceUpdate, error) {
	body, err := json.Marshal(map[string]any{"userIds": userIDs})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/presence/query", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query presence: unexpected status %d", resp.StatusCode)
	}
	var out []wire.PresenceUpdate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return out, nil
}

// do runs one authenticated request through the breaker. Transport errors
// and 5xx responses count as failures; anything else, including 404 and
// 409, is a valid answer and passes through.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	res, err := c.cb.Execute(func() (any, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return nil, err
		}
		cred, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		c.log.Warn("api request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return res.(*http.Response), nil
}
