package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/types"
)

// APIClient calls the hub's HTTP endpoints with a bearer token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type Session struct {
	UserId string `json:"user_id"`
}

// Session returns the user the token belongs to.
func (c *APIClient) Session(ctx context.Context) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, &session); err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// Messages fetches room history, newest first.
func (c *APIClient) Messages(ctx context.Context, room string, before int64, limit int) ([]types.Message, error) {
	q := url.Values{}
	q.Set("room", room)
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var messages []types.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &messages); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return messages, nil
}

func (c *APIClient) Rooms(ctx context.Context) (types.Rooms, error) {
	var rooms types.Rooms
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return types.Rooms{}, fmt.Errorf("get rooms: %w", err)
	}
	return rooms, nil
}

func (c *APIClient) PostTelemetry(ctx context.Context, batch types.TelemetryBatch) error {
	if err := c.do(ctx, http.MethodPost, "/api/telemetry", batch, nil); err != nil {
		return fmt.Errorf("post telemetry: %w", err)
	}
	return nil
}

const (
	defaultTelemetryBuffer = 256
	defaultTelemetryBatch  = 20
	defaultTelemetryFlush  = 5 * time.Second
)

type telemetrySink interface {
	PostTelemetry(ctx context.Context, batch types.TelemetryBatch) error
}

// HTTPTelemetry batches telemetry events and posts them in the background.
// Events reported while the buffer is full are dropped.
type HTTPTelemetry struct {
	sink       telemetrySink
	log        zerolog.Logger
	events     chan types.TelemetryEvent
	maxBatch   int
	flushEvery time.Duration
}

func NewHTTPTelemetry(sink telemetrySink, logger zerolog.Logger) *HTTPTelemetry {
	return &HTTPTelemetry{
		sink:       sink,
		log:        logger,
		events:     make(chan types.TelemetryEvent, defaultTelemetryBuffer),
		maxBatch:   defaultTelemetryBatch,
		flushEvery: defaultTelemetryFlush,
	}
}

func (t *HTTPTelemetry) Report(ev types.TelemetryEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.Debug().Str("event", ev.Name).Msg("telemetry buffer full, dropping event")
	}
}

// Run posts batches until ctx is done, then flushes what is buffered.
func (t *HTTPTelemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()

	var batch []types.TelemetryEvent
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := t.sink.PostTelemetry(ctx, types.TelemetryBatch{Events: batch}); err != nil {
			t.log.Debug().Err(err).Int("events", len(batch)).Msg("failed to post telemetry")
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-t.events:
					batch = append(batch, ev)
				default:
					flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
					flush(flushCtx)
					cancel()
					return
				}
			}
		case ev := <-t.events:
			batch = append(batch, ev)
			if len(batch) >= t.maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
