package utmlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"utm_sector/internal/model"
)

// RIDTrack is one Remote-ID observation exchanged with the external UTM.
type RIDTrack struct {
	TrackID    string    `json:"track_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltitudeM  float64   `json:"altitude_m"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedMPS   float64   `json:"speed_mps"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExternalGeofence is the mirror payload for an ATC-owned geofence.
type ExternalGeofence struct {
	ExternalID     string       `json:"external_id,omitempty"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Vertices       [][2]float64 `json:"vertices"`
	LowerAltitudeM float64      `json:"lower_altitude_m"`
	UpperAltitudeM float64      `json:"upper_altitude_m"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}

// Declaration is an external flight declaration ingested as a pending plan.
type Declaration struct {
	DeclarationID string           `json:"declaration_id"`
	DroneID       string           `json:"drone_id"`
	OwnerID       string           `json:"owner_id,omitempty"`
	Waypoints     []model.Waypoint `json:"waypoints"`
	StartTime     time.Time        `json:"start_time"`
}

// Client is the pluggable external-UTM transport.
type Client interface {
	PushTelemetry(ctx context.Context, tracks []RIDTrack) error
	PushGeofence(ctx context.Context, g ExternalGeofence) (string, error)
	DeleteGeofence(ctx context.Context, externalID string) error
	FetchTraffic(ctx context.Context) ([]RIDTrack, error)
	FetchDeclarations(ctx context.Context) ([]Declaration, error)
}

// HTTPClient talks JSON over HTTP with bearer authentication.
type HTTPClient struct {
	baseURL   string
	sessionID string
	token     string
	client    *http.Client
}

// NewHTTPClient creates a client for the given external UTM endpoint.
func NewHTTPClient(baseURL, sessionID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		sessionID: sessionID,
		token:     token,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, model.ErrExternalUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, model.ErrExternalUnavailable)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// PushTelemetry uploads local drone positions as Remote-ID observations.
func (c *HTTPClient) PushTelemetry(ctx context.Context, tracks []RIDTrack) error {
	return c.do(ctx, http.MethodPut, "/rid/tracks", map[string]interface{}{"observations": tracks}, nil)
}

// PushGeofence mirrors one geofence and returns the external id.
func (c *HTTPClient) PushGeofence(ctx context.Context, g ExternalGeofence) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if g.ExternalID != "" {
		if err := c.do(ctx, http.MethodPut, "/geofences/"+g.ExternalID, g, &resp); err != nil {
			return "", err
		}
	} else {
		if err := c.do(ctx, http.MethodPost, "/geofences", g, &resp); err != nil {
			return "", err
		}
	}
	if resp.ID == "" {
		resp.ID = g.ExternalID
	}
	return resp.ID, nil
}

// DeleteGeofence removes a mirrored geofence upstream.
func (c *HTTPClient) DeleteGeofence(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodDelete, "/geofences/"+externalID, nil, nil)
}

// FetchTraffic pulls external Remote-ID tracks in the sector.
func (c *HTTPClient) FetchTraffic(ctx context.Context) ([]RIDTrack, error) {
	var resp struct {
		Observations []RIDTrack `json:"observations"`
	}
	if err := c.do(ctx, http.MethodGet, "/rid/tracks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Observations, nil
}

// FetchDeclarations pulls pending external flight declarations.
func (c *HTTPClient) FetchDeclarations(ctx context.Context) ([]Declaration, error) {
	var resp struct {
		Declarations []Declaration `json:"declarations"`
	}
	if err := c.do(ctx, http.MethodGet, "/flight-declarations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Declarations, nil
}
