package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// Rendezvous servers advertise themselves on the local network so peers
// can find one without configuration.
const (
	Service = "_roomsync._tcp"
	Domain  = "local."
)

// Server is a rendezvous server found on the local network
type Server struct {
	Instance string
	URL      string
}

// Advertise registers a rendezvous server listening on port. Call Shutdown
// on the result to withdraw it.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	txt := []string{"v=1", "path=/ws/room"}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Printf("✓ mDNS service registered: %s (%s) on port %d", instance, Service, port)
	return server, nil
}

// Browse collects rendezvous servers answering within timeout, sorted by
// instance name
func Browse(ctx context.Context, timeout time.Duration) ([]Server, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	seen := make(map[string]Server)
	for {
		select {
		case <-ctx.Done():
			return collect(seen), nil
		case entry, ok := <-entries:
			if !ok {
				return collect(seen), nil
			}
			if url, ok := serverURL(entry); ok {
				seen[entry.Instance] = Server{Instance: entry.Instance, URL: url}
			}
		}
	}
}

func collect(seen map[string]Server) []Server {
	servers := make([]Server, 0, len(seen))
	for _, s := range seen {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Instance < servers[j].Instance })
	return servers
}

// serverURL turns an mDNS answer into the base URL a peer dials
func serverURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = entry.HostName
	default:
		return "", false
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}
