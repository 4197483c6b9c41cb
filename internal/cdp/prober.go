package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/browserwatch/schema"
)

// DefaultProbeInterval is the readiness polling cadence.
const DefaultProbeInterval = 100 * time.Millisecond

// HTTPProber polls the DevTools HTTP endpoint of a freshly started browser.
type HTTPProber struct {
	Client   *http.Client
	Host     string
	Interval time.Duration
}

// NewHTTPProber returns a prober for localhost.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		Client:   &http.Client{Timeout: 2 * time.Second},
		Host:     "localhost",
		Interval: DefaultProbeInterval,
	}
}

// VersionInfo is the payload of /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// PageEntry is one entry of /json/list.
type PageEntry struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// WaitForEndpointReady polls /json/version on port until it answers or
// timeout elapses, and returns the endpoint base URL.
func (p *HTTPProber) WaitForEndpointReady(ctx context.Context, port int, timeout time.Duration) (string, error) {
	base := p.baseURL(port)
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := p.Version(ctx, base)
		if err == nil {
			return base, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: port %d not ready after %s: %v", schema.ErrNotStarted, port, timeout, err)
		case <-ticker.C:
		}
	}
}

// Version fetches /json/version from base.
func (p *HTTPProber) Version(ctx context.Context, base string) (VersionInfo, error) {
	var info VersionInfo
	err := p.getJSON(ctx, strings.TrimSuffix(base, "/")+"/json/version", &info)
	return info, err
}

// Pages fetches /json/list from base.
func (p *HTTPProber) Pages(ctx context.Context, base string) ([]PageEntry, error) {
	var pages []PageEntry
	if err := p.getJSON(ctx, strings.TrimSuffix(base, "/")+"/json/list", &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

func (p *HTTPProber) baseURL(port int) string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/", host, port)
}

func (p *HTTPProber) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", url, err)
	}
	return nil
}
