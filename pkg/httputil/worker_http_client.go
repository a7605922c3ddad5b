// Package httputil builds pooled HTTP transports for provider clients.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds HTTP transport configuration.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int // 0 means unlimited
	IdleConnTimeout     time.Duration

	// Timeout settings
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration // time to response headers

	KeepAliveInterval time.Duration
}

// DefaultClientConfig returns the default transport configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GmailClientConfig sizes the pool for concurrent reply workers. Each worker
// holds at most a couple of connections to the Gmail API host.
func GmailClientConfig(concurrency int) *ClientConfig {
	if concurrency < 1 {
		concurrency = 1
	}
	cfg := DefaultClientConfig()
	cfg.MaxIdleConnsPerHost = concurrency * 2
	cfg.MaxConnsPerHost = concurrency * 4
	cfg.MaxIdleConns = cfg.MaxConnsPerHost
	return cfg
}

// NewTransport creates a keep-alive transport with connection pooling.
func NewTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}
}
