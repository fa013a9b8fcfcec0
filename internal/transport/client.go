// Package transport is the HTTP client shared by the session controller's
// recovery ladder and the reconciler's snapshot fetches: snapshot,
// refresh (/refresh-sse), and next-track requests against the server's
// JSON endpoints (spec.md §6), grounded on the teacher's sibling
// internal/push.Client shape (context-scoped requests, JSON decode,
// Configured() readiness check, slog outcome logging).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tsnotfyi/playercore/internal/track"
)

// Client is the HTTP client for the snapshot, refresh, and next-track
// endpoints.
type Client struct {
	httpClient   *http.Client
	snapshotURL  string
	refreshURL   string
	nextTrackURL string
	logger       *slog.Logger
}

// NewClient builds a transport Client. Any of the URLs may be empty; the
// corresponding method then returns an error rather than performing a
// request, mirroring Configured()-style readiness checks.
func NewClient(snapshotURL, refreshURL, nextTrackURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		snapshotURL:  snapshotURL,
		refreshURL:   refreshURL,
		nextTrackURL: nextTrackURL,
		logger:       logger,
	}
}

// SnapshotConfigured reports whether the snapshot endpoint is set.
func (c *Client) SnapshotConfigured() bool { return c.snapshotURL != "" }

// RefreshConfigured reports whether the refresh endpoint is set.
func (c *Client) RefreshConfigured() bool { return c.refreshURL != "" }

// NextTrackConfigured reports whether the next-track endpoint is set.
func (c *Client) NextTrackConfigured() bool { return c.nextTrackURL != "" }

// FetchSnapshot requests {currentTrackId} and decodes the server's
// explorer snapshot response (spec.md §6).
func (c *Client) FetchSnapshot(ctx context.Context, currentTrackID string) (track.Snapshot, error) {
	if !c.SnapshotConfigured() {
		return track.Snapshot{}, fmt.Errorf("transport: snapshot endpoint not configured")
	}

	var snap track.Snapshot
	err := c.postJSON(ctx, c.snapshotURL, map[string]string{"currentTrackId": currentTrackID}, &snap)
	if err != nil {
		c.logger.Warn("snapshot fetch failed", "error", err, "current_track", currentTrackID)
		return track.Snapshot{}, err
	}
	c.logger.Debug("snapshot fetched", "current_track", currentTrackID, "directions", len(snap.Directions))
	return snap, nil
}

// RefreshRequest is the body of a /refresh-sse recovery-ladder call.
type RefreshRequest struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Stage       string `json:"stage,omitempty"`
}

// RefreshResponse is the /refresh-sse response (spec.md §6).
type RefreshResponse struct {
	OK           bool           `json:"ok"`
	Reason       string         `json:"reason,omitempty"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	CurrentTrack *track.Track   `json:"currentTrack,omitempty"`
	NextTrack    *track.Track   `json:"nextTrack,omitempty"`
	ExplorerData *track.Snapshot `json:"explorerData,omitempty"`
	ClientCount  int            `json:"clientCount,omitempty"`
}

// Refresh calls /refresh-sse, used by the recovery ladder's rebind step.
func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (RefreshResponse, error) {
	if !c.RefreshConfigured() {
		return RefreshResponse{}, fmt.Errorf("transport: refresh endpoint not configured")
	}

	var resp RefreshResponse
	if err := c.postJSON(ctx, c.refreshURL, req, &resp); err != nil {
		c.logger.Warn("refresh failed", "error", err, "fingerprint", req.Fingerprint)
		return RefreshResponse{}, err
	}
	c.logger.Info("refresh completed", "ok", resp.OK, "reason", resp.Reason)
	return resp, nil
}

// NextTrackRequest is the body of a manual-override /next-track call.
type NextTrackRequest struct {
	TrackMd5    string `json:"trackMd5"`
	Direction   string `json:"direction,omitempty"`
	Source      string `json:"source"`
	Fingerprint string `json:"fingerprint"`
	SessionID   string `json:"sessionId"`
}

// SubmitNextTrack posts a manual override selection.
func (c *Client) SubmitNextTrack(ctx context.Context, req NextTrackRequest) error {
	if !c.NextTrackConfigured() {
		return fmt.Errorf("transport: next-track endpoint not configured")
	}

	var discard struct{}
	if err := c.postJSON(ctx, c.nextTrackURL, req, &discard); err != nil {
		c.logger.Warn("next-track submission failed", "error", err, "track_md5", req.TrackMd5)
		return err
	}
	c.logger.Debug("next-track submitted", "track_md5", req.TrackMd5, "direction", req.Direction)
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("transport: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("transport: decoding response: %w", err)
	}
	return nil
}
