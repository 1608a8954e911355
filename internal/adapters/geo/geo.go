package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"rolodex/internal/adapters/config"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Address is the result of a reverse geocode lookup
type Address struct {
	DisplayName string
	City        string
	Country     string
}

// Venue is a named place matched near a coordinate
type Venue struct {
	Name     string
	Category string
	Address  string
}

// Geocoder resolves coordinates into addresses
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (*Address, error)
}

// VenueFinder matches coordinates to nearby named venues
type VenueFinder interface {
	Nearby(ctx context.Context, lat, lng float64) (*Venue, error)
}

// HTTPClient implements Geocoder and VenueFinder against Nominatim-style APIs
type HTTPClient struct {
	geocodeURL string
	venueURL   string
	http       *http.Client
	log        *logger.Logger
}

// NewHTTPClient creates a geo client
func NewHTTPClient(cfg config.GeoConfig) *HTTPClient {
	return &HTTPClient{
		geocodeURL: cfg.GeocodeURL,
		venueURL:   cfg.VenueURL,
		http:       &http.Client{Timeout: cfg.Timeout},
		log:        logger.Get().With("component", "geo_client"),
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Country string `json:"country"`
	} `json:"address"`
}

// Reverse resolves a coordinate into an address
func (c *HTTPClient) Reverse(ctx context.Context, lat, lng float64) (*Address, error) {
	endpoint := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%s&lon=%s",
		c.geocodeURL,
		url.QueryEscape(fmt.Sprintf("%f", lat)),
		url.QueryEscape(fmt.Sprintf("%f", lng)))

	var parsed reverseResponse
	if err := c.getJSON(ctx, endpoint, &parsed); err != nil {
		return nil, errors.Wrap(err, "reverse geocode failed")
	}

	city := parsed.Address.City
	if city == "" {
		city = parsed.Address.Town
	}

	return &Address{
		DisplayName: parsed.DisplayName,
		City:        city,
		Country:     parsed.Address.Country,
	}, nil
}

type venueResponse struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Address  string `json:"address"`
}

// Nearby matches a coordinate to the closest named venue
func (c *HTTPClient) Nearby(ctx context.Context, lat, lng float64) (*Venue, error) {
	if c.venueURL == "" {
		return nil, errors.Wrap(errors.ErrUnavailable, "venue lookup not configured")
	}

	endpoint := fmt.Sprintf("%s/nearby?lat=%f&lng=%f", c.venueURL, lat, lng)

	var parsed venueResponse
	if err := c.getJSON(ctx, endpoint, &parsed); err != nil {
		return nil, errors.Wrap(err, "venue lookup failed")
	}

	if parsed.Name == "" {
		return nil, errors.Wrap(errors.ErrNotFound, "no venue near coordinate")
	}

	return &Venue{
		Name:     parsed.Name,
		Category: parsed.Category,
		Address:  parsed.Address,
	}, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "rolodex/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}
