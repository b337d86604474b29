// Package discovery announces the hub over mDNS and finds other hubs on
// the local network.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/pkg/version"
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	defaultServiceType = "_pma-hub._tcp"
	defaultDomain      = "local."
	browseBuffer       = 10
)

// Advertiser keeps the hub registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	logger *logrus.Entry
}

// Advertise registers the hub listening on port. The TXT records carry the
// build version so peers can tell releases apart.
func Advertise(cfg config.DiscoveryConfig, port int, logger *logrus.Logger) (*Advertiser, error) {
	instance := cfg.ServiceName
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pma-hub"
		}
		instance = host
	}

	server, err := zeroconf.Register(instance, serviceType(cfg), domain(cfg), port, version.TXTRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	entry := logger.WithFields(logrus.Fields{
		"instance":     instance,
		"service_type": serviceType(cfg),
		"port":         port,
	})
	entry.Info("Advertising hub over mDNS")
	return &Advertiser{server: server, logger: entry}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("Stopped mDNS advertisement")
}

// Peer is another hub found on the network.
type Peer struct {
	Instance string    `json:"instance"`
	Host     string    `json:"host"`
	Addrs    []string  `json:"addrs"`
	Port     int       `json:"port"`
	Version  string    `json:"version,omitempty"`
	Commit   string    `json:"commit,omitempty"`
	SeenAt   time.Time `json:"seen_at"`
}

// Browse collects peers until timeout or ctx ends. The result is sorted by
// instance name.
func Browse(ctx context.Context, cfg config.DiscoveryConfig, timeout time.Duration, logger *logrus.Logger) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, browseBuffer)
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, serviceType(cfg), domain(cfg), entries); err != nil {
		return nil, fmt.Errorf("mDNS browse failed: %w", err)
	}

	seen := make(map[string]Peer)
collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if p, ok := peerFromEntry(entry); ok {
				seen[p.Instance] = p
			}
		case <-browseCtx.Done():
			break collect
		}
	}

	peers := make([]Peer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	logger.WithField("peers", len(peers)).Debug("mDNS browse finished")
	return peers, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	if entry == nil || (len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0) {
		return Peer{}, false
	}

	p := Peer{
		Instance: entry.Instance,
		Host:     strings.TrimSuffix(entry.HostName, "."),
		Port:     entry.Port,
		SeenAt:   time.Now(),
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}

	for key, value := range parseTXT(entry.Text) {
		switch key {
		case "version":
			p.Version = value
		case "commit":
			p.Commit = value
		}
	}
	return p, true
}

// parseTXT splits key=value records. Keys are case-insensitive; records
// without a value are ignored.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || key == "" {
			continue
		}
		out[strings.ToLower(key)] = value
	}
	return out
}

func serviceType(cfg config.DiscoveryConfig) string {
	if cfg.ServiceType == "" {
		return defaultServiceType
	}
	return cfg.ServiceType
}

func domain(cfg config.DiscoveryConfig) string {
	if cfg.Domain == "" {
		return defaultDomain
	}
	return cfg.Domain
}
