// Package httpauth builds authenticated HTTP clients for service-to-service calls
// and signs payloads exchanged with workers.
package httpauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config describes an OAuth2 client-credentials grant. An empty TokenURL disables it.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether a token endpoint is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

// NewClient returns an HTTP client that attaches bearer tokens when cfg is enabled.
func NewClient(ctx context.Context, cfg Config, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}
	if !cfg.Enabled() {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = timeout
	return client
}
