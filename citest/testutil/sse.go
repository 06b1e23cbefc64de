package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// HeartbeatType is the Type recorded for heartbeat comments.
const HeartbeatType = "heartbeat"

// SSEEvent is one streamed bus event.
type SSEEvent struct {
	// Name is the SSE event field.
	Name string
	// Type and Properties come from the {"type","properties"} envelope.
	Type       string
	Properties json.RawMessage
}

// Get looks up a gjson path in the event properties.
func (e SSEEvent) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Properties, path)
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		eventsCh: make(chan SSEEvent, 256),
		errCh:    make(chan error, 1),
	}
}

// Connect starts the SSE connection and waits for server.connected.
func (c *SSEClient) Connect(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", contentType)
	}

	c.body = resp.Body
	go c.readEvents(resp.Body)

	_, err = c.WaitForEvent("server.connected", 5*time.Second)
	return err
}

func (c *SSEClient) readEvents(body io.Reader) {
	defer func() {
		close(c.eventsCh)
		close(c.errCh)
	}()

	reader := bufio.NewReader(body)
	var name string
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && err != context.Canceled {
				c.errCh <- err
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if data.Len() > 0 {
				raw := data.String()
				c.push(SSEEvent{
					Name:       name,
					Type:       gjson.Get(raw, "type").String(),
					Properties: json.RawMessage(gjson.Get(raw, "properties").Raw),
				})
			}
			name = ""
			data.Reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			c.push(SSEEvent{Type: HeartbeatType})
			continue
		}

		if v, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(v))
		}
	}
}

func (c *SSEClient) push(evt SSEEvent) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	select {
	case c.eventsCh <- evt:
	default:
		// Channel full, drop event
	}
}

// WaitFor waits for the first event matching match.
func (c *SSEClient) WaitFor(match func(SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if match(evt) {
				return &evt, nil
			}
		case err, ok := <-c.errCh:
			if ok && err != nil {
				return nil, err
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event")
		}
	}
}

// WaitForEvent waits for an event of eventType.
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	evt, err := c.WaitFor(func(e SSEEvent) bool { return e.Type == eventType }, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", eventType, err)
	}
	return evt, nil
}

// WaitForStreamClosed waits for the stream of exchangeID to close and
// returns its final stage.
func (c *SSEClient) WaitForStreamClosed(exchangeID string, timeout time.Duration) (string, error) {
	evt, err := c.WaitFor(func(e SSEEvent) bool {
		return e.Type == "stream.closed" && e.Get("exchangeId").String() == exchangeID
	}, timeout)
	if err != nil {
		return "", err
	}
	return evt.Get("stage").String(), nil
}

// GetAllEvents returns all received events
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]SSEEvent, len(c.events))
	copy(result, c.events)
	return result
}

// CountEventType counts events of a specific type
func (c *SSEClient) CountEventType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, evt := range c.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// Close closes the SSE connection
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}
