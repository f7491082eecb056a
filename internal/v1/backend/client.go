// Package backend is the HTTP client for the business backend's internal
// API: gift settlement, room status pushes, and room ownership lookups.
// Every call carries the shared X-Internal-Key header.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// GiftTransaction is one settled-optimistically gift awaiting backend
// confirmation. Idempotent by TransactionID.
type GiftTransaction struct {
	TransactionID string `json:"transaction_id"`
	RoomID        string `json:"room_id"`
	SenderID      int64  `json:"sender_id"`
	RecipientID   int64  `json:"recipient_id"`
	GiftID        int64  `json:"gift_id"`
	Quantity      int    `json:"quantity"`
	Timestamp     int64  `json:"timestamp"`
}

// GiftFailure is a per-transaction settlement failure. Logical failures are
// final; the gift layer notifies the sender and never retries them.
type GiftFailure struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
	SenderID      int64  `json:"sender_id"`
}

// GiftBatchResult is the backend's settlement report for one batch.
type GiftBatchResult struct {
	Processed int           `json:"processed"`
	Failed    []GiftFailure `json:"failed"`
}

// RoomStatus is pushed to the backend when liveness or participant count
// changes.
type RoomStatus struct {
	IsLive           bool   `json:"is_live"`
	ParticipantCount int    `json:"participant_count"`
	ClosedAt         string `json:"closed_at,omitempty"`
}

// RoomInfo is the subset of the backend's room record this service reads.
type RoomInfo struct {
	OwnerID int64 `json:"owner_id"`
}

// Client talks to the business backend. A circuit breaker keeps a dead
// backend from stalling gift flushes and authorization checks; unlike bus
// publishes, calls through an open breaker still return errors because every
// caller has its own retry or degradation policy.
type Client struct {
	http        *http.Client
	baseURL     string
	internalKey string
	cb          *gobreaker.CircuitBreaker
}

func NewClient(baseURL, internalKey string) *Client {
	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("backend").Set(stateVal)
		},
	}

	return &Client{
		http:        &http.Client{Timeout: requestTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

// SendGiftBatch settles a batch of gift transactions. A returned error means
// the batch never reached the backend and the caller should re-queue;
// logical failures come back inside the result instead.
func (c *Client) SendGiftBatch(ctx context.Context, transactions []GiftTransaction) (*GiftBatchResult, error) {
	body := struct {
		Transactions []GiftTransaction `json:"transactions"`
	}{Transactions: transactions}

	var result GiftBatchResult
	err := c.postJSON(ctx, "/api/v1/internal/gifts/batch", body, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateRoomStatus pushes liveness and participant count for a room. The
// callers treat this as best-effort.
func (c *Client) UpdateRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	return c.postJSON(ctx, "/api/v1/internal/rooms/"+roomID+"/status", status, nil)
}

// GetRoom fetches the backend's room record, primarily for the owner id.
// Callers bound this with their own context deadline (authorization checks
// use a tighter one than the transport default).
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/internal/rooms/"+roomID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Internal-Key", c.internalKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("backend returned status %d for room %s", resp.StatusCode, roomID)
		}

		var info RoomInfo
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&info); err != nil {
			return nil, fmt.Errorf("failed to decode room record: %w", err)
		}
		return &info, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("backend").Inc()
		}
		logging.Warn(ctx, "Backend room lookup failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return nil, err
	}
	return res.(*RoomInfo), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Key", c.internalKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return nil, fmt.Errorf("backend returned status %d for %s", resp.StatusCode, path)
		}

		if out != nil && resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode backend response: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("backend").Inc()
		}
		logging.Warn(ctx, "Backend call failed",
			zap.String("path", path),
			zap.Error(err))
		return err
	}
	return nil
}
