// Package discovery advertises sync servers on the local network over mDNS
// and finds the ones already running.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"collabtext/internal/logging"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

// Peer is a server found on the network.
type Peer struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	Text     []string
}

// Addr returns host:port for the first advertised address.
func (p Peer) Addr() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return net.JoinHostPort(host, fmt.Sprint(p.Port))
}

// Advertiser keeps one mDNS registration alive until Close.
type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// InstanceName returns the default instance name for this host.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "CollabText-" + host
}

// Advertise registers instance on port. text carries key=value metadata.
func Advertise(instance string, port int, text []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a := &Advertiser{server: server, log: logging.For("discovery")}
	a.log.Info().Str("instance", instance).Int("port", port).Msg("mDNS service registered")
	return a, nil
}

func (a *Advertiser) Close() {
	a.server.Shutdown()
}

// Browse collects the servers that answer within timeout, sorted by
// instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Peer, 1)
	go func(in <-chan *zeroconf.ServiceEntry) {
		seen := make(map[string]Peer)
		for {
			select {
			case e, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				seen[e.Instance] = Peer{
					Instance: e.Instance,
					Host:     e.HostName,
					Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
					Port:     e.Port,
					Text:     e.Text,
				}
			case <-ctx.Done():
				found <- sortPeers(seen)
				return
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func sortPeers(seen map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers
}
