// Package eventchannel implements the long-lived server-push subscription
// (spec.md §4.5): a newline-delimited-JSON streamed HTTP GET,
// parameterised by the current fingerprint, with stuck-timer-driven
// rebroadcast requests and forced reconnects.
package eventchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// StuckTimeout is how long the channel waits without a message before
// requesting a server-side rebroadcast (spec.md §4.5).
const StuckTimeout = 60 * time.Second

// Rebroadcaster requests the server re-send its current state for the
// bound fingerprint. It returns the fingerprint the server acknowledges,
// or an empty string if the rebroadcast could not be acked.
type Rebroadcaster interface {
	RequestRebroadcast(ctx context.Context, fingerprint string) (ackedFingerprint string, err error)
}

// Channel is one event-channel subscription. It owns its own goroutine
// (Run) and communicates with the session controller only via the
// Messages channel, carrying immutable values.
type Channel struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	reb     Rebroadcaster

	mu          sync.Mutex
	fingerprint string

	messages chan Message
	forceCh  chan struct{}
}

// New builds a Channel against baseURL. reb may be nil, in which case a
// stuck connection always forces a reconnect instead of first trying a
// rebroadcast.
func New(baseURL string, reb Rebroadcaster, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		baseURL:  baseURL,
		client:   &http.Client{}, // no timeout: this is a long-lived stream
		logger:   logger,
		reb:      reb,
		messages: make(chan Message, 32),
		forceCh:  make(chan struct{}, 1),
	}
}

// Messages returns the channel of received messages.
func (c *Channel) Messages() <-chan Message { return c.messages }

// SetFingerprint binds the channel to fingerprint for subsequent
// (re)connects. Per spec.md §3, a fingerprint is propagated to every
// subsequent event endpoint URL once known.
func (c *Channel) SetFingerprint(fp string) {
	c.mu.Lock()
	c.fingerprint = fp
	c.mu.Unlock()
}

func (c *Channel) currentFingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// ForceReconnect requests the run loop tear down and reconnect
// immediately, used after a generic error payload while audio is healthy.
func (c *Channel) ForceReconnect() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// Run connects and reconnects until ctx is cancelled, delivering decoded
// messages on Messages(). It never returns except on ctx cancellation.
func (c *Channel) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("event channel disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Channel) connectOnce(ctx context.Context) error {
	reqURL, err := c.buildURL()
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("eventchannel: building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("eventchannel: connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("eventchannel: server returned status %d", resp.StatusCode)
	}

	// Connection established. This returns nil only on ctx cancellation;
	// every other exit is an error, and Run's backoff is not reset by a
	// successful connection.
	linesCh := make(chan string, 32)
	scanErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case linesCh <- line:
			case <-connCtx.Done():
				return
			}
		}
		scanErrCh <- scanner.Err()
	}()

	stuck := time.NewTimer(StuckTimeout)
	defer stuck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.forceCh:
			return fmt.Errorf("eventchannel: forced reconnect")
		case line := <-linesCh:
			if !stuck.Stop() {
				select {
				case <-stuck.C:
				default:
				}
			}
			stuck.Reset(StuckTimeout)
			c.handleLine(line)
		case err := <-scanErrCh:
			if err != nil {
				return fmt.Errorf("eventchannel: stream read error: %w", err)
			}
			return fmt.Errorf("eventchannel: stream closed")
		case <-stuck.C:
			if !c.handleStuck(connCtx) {
				return fmt.Errorf("eventchannel: stuck, forcing reconnect")
			}
			stuck.Reset(StuckTimeout)
		}
	}
}

func (c *Channel) handleLine(line string) {
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.logger.Warn("eventchannel: malformed message", "error", err)
		return
	}

	if msg.Type == TypeConnected {
		c.SetFingerprint(msg.Fingerprint)
	}

	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("eventchannel: message dropped, receiver not draining", "type", msg.Type)
	}
}

// handleStuck requests a rebroadcast; returns false if reconnect should
// be forced instead (no rebroadcaster, or the rebroadcast could not be
// acked for the bound fingerprint).
func (c *Channel) handleStuck(ctx context.Context) bool {
	if c.reb == nil {
		return false
	}
	fp := c.currentFingerprint()
	acked, err := c.reb.RequestRebroadcast(ctx, fp)
	if err != nil || acked == "" {
		c.logger.Warn("eventchannel: rebroadcast not ackable, forcing reconnect", "error", err)
		return false
	}
	c.logger.Info("eventchannel: rebroadcast requested", "fingerprint", acked)
	return true
}

func (c *Channel) buildURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("eventchannel: invalid base URL: %w", err)
	}
	q := u.Query()
	if fp := c.currentFingerprint(); fp != "" {
		q.Set("fingerprint", fp)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
