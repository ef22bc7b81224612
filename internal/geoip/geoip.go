// Package geoip resolves an IP address into a coarse "City, Country" string
// for session display. Lookups are best effort: any failure, timeout or
// unexpected payload degrades to an empty string, never an error.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

const privateResult = "Local network"

type Config struct {
	// BaseURL is the lookup endpoint; the IP is appended as a path segment.
	BaseURL string
	Timeout time.Duration
}

type Resolver struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewResolver(cfg Config, log *zap.Logger) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://ip-api.com/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log.With(zap.String("component", "geoip")),
	}
}

func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	if ip == "" {
		return ""
	}
	if isPrivate(ip) {
		return privateResult
	}

	url := fmt.Sprintf("%s/%s?fields=city,country", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("geoip lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body struct {
		City    string `json:"city"`
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	switch {
	case body.City != "" && body.Country != "":
		return body.City + ", " + body.Country
	case body.Country != "":
		return body.Country
	default:
		return body.City
	}
}

func isPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback()
}
