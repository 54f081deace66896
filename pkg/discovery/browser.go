package discovery

import (
	"context"
	"time"
)

// Browser finds IDSCP2 servers via mDNS.
type Browser interface {
	// Browse streams discovered servers. Services are aggregated by instance
	// name; a service is emitted once, when first seen. The channel is closed
	// when ctx is cancelled or the browser is stopped.
	Browse(ctx context.Context) (<-chan *Service, error)

	// Find returns the first service accepted by match. Returns ErrNotFound
	// when browsing ends without a match.
	Find(ctx context.Context, match func(*Service) bool) (*Service, error)

	// Stop cancels all running browse operations.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Find when ctx carries no deadline.
	// Default: 10 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}

// ByInstance matches a service by instance name.
func ByInstance(name string) func(*Service) bool {
	return func(s *Service) bool { return s.Instance == name }
}

// ByConnectorID matches a service by connector ID.
func ByConnectorID(id string) func(*Service) bool {
	return func(s *Service) bool { return s.ConnectorID != "" && s.ConnectorID == id }
}

// ByCompatibility matches services whose RAT schemes negotiate with the
// given client lists.
func ByCompatibility(supported, expected []string) func(*Service) bool {
	return func(s *Service) bool { return Compatible(s, supported, expected) }
}
