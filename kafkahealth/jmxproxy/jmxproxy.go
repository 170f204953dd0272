// Package jmxproxy reads broker JMX attributes through an HTTP jmxproxy
// for kafkahealth.
//
// The proxy answers GET /jmxproxy/<broker-address>/<mbean>/<attribute>
// with the attribute value as plain text.
package jmxproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// Defaults.
const (
	DefaultProxy   = "127.0.0.1:8000"
	DefaultTimeout = 5 * time.Second

	// maxBodySize bounds the response body read for a single attribute.
	maxBodySize = 64 << 10
)

// Option configures the Source.
type Option func(*Source)

// Source is a kafkahealth.MetricSource backed by a jmxproxy.
type Source struct {
	proxy         string
	tlsEnabled    bool
	tlsSkipVerify bool
	timeout       time.Duration
	client        *http.Client
}

// WithTLSEnabled enables HTTPS for proxy requests.
func WithTLSEnabled(enabled bool) Option {
	return func(s *Source) {
		s.tlsEnabled = enabled
	}
}

// WithTLSSkipVerify skips TLS certificate verification.
func WithTLSSkipVerify(skip bool) Option {
	return func(s *Source) {
		s.tlsSkipVerify = skip
	}
}

// WithTimeout bounds a single attribute request (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(s *Source) {
		s.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		s.client = c
	}
}

// New creates a Source for the proxy at host:port.
func New(proxy string, opts ...Option) *Source {
	if proxy == "" {
		proxy = DefaultProxy
	}
	s := &Source{
		proxy:   proxy,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: s.tlsSkipVerify, //nolint:gosec // configurable by user
				},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return s
}

// Metric fetches one attribute. A 404 from the proxy is reported as
// kafkahealth.ErrMetricNotFound; transport failures as
// *kafkahealth.ConnectivityError.
func (s *Source) Metric(ctx context.Context, address, path string) (string, error) {
	scheme := "http"
	if s.tlsEnabled {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/jmxproxy/%s/%s", scheme, s.proxy, address, strings.TrimPrefix(path, "/"))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("jmxproxy create request: %w", err)
	}
	req.Header.Set("User-Agent", "kafkahealth/"+kafkahealth.Version)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &kafkahealth.ConnectivityError{Endpoint: s.proxy, Cause: fmt.Errorf("jmxproxy request %s: %w", url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", path, kafkahealth.ErrMetricNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("jmxproxy status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("jmxproxy read %s: %w", url, err)
	}
	return strings.TrimSpace(string(body)), nil
}
