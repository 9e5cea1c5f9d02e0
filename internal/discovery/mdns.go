package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

/*
LEARNING: ZERO-CONFIG DISCOVERY

On a LAN, peers should not need to be told where the hub is. The hub
announces itself over multicast DNS:

  _otp2p._tcp.local.  ->  "otp2p-laptop" at 192.168.1.20:8080

and peers browse for that service type. The TXT record carries the
websocket path so a peer can build the URL without guessing.
*/

// Domain is the mDNS domain every record lives in
const Domain = "local."

const pathKey = "path="

// Hub is a hub found on the network
type Hub struct {
	Instance string
	Host     string
	Port     int
	Path     string // websocket path prefix, e.g. /ws/document
}

// URL returns the websocket URL of documentID on this hub
func (h Hub) URL(documentID string) string {
	return fmt.Sprintf("ws://%s%s/%s", net.JoinHostPort(h.Host, strconv.Itoa(h.Port)), h.Path, documentID)
}

// Advertiser keeps a hub announced until Shutdown
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces a hub listening on port
func Advertise(service string, port int, path string) (*Advertiser, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "hub"
	}

	server, err := zeroconf.Register(
		fmt.Sprintf("otp2p-%s", host),
		service,
		Domain,
		port,
		[]string{"txtv=1", pathKey + path},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	log.Printf("✓ mDNS service registered: %s on port %d", service, port)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the announcement
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	log.Println("✓ mDNS service withdrawn")
}

// Browse collects the hubs announcing service until timeout
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Hub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	var hubs []Hub
	for {
		select {
		case <-ctx.Done():
			return hubs, nil
		case entry, ok := <-entries:
			if !ok {
				return hubs, nil
			}
			if hub, ok := hubFromEntry(entry); ok {
				log.Printf("mDNS discovered hub: %s at %s:%d", hub.Instance, hub.Host, hub.Port)
				hubs = append(hubs, hub)
			}
		}
	}
}

func hubFromEntry(entry *zeroconf.ServiceEntry) (Hub, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Hub{}, false
	}

	hub := Hub{
		Instance: entry.Instance,
		Host:     host,
		Port:     entry.Port,
		Path:     "/ws/document",
	}
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, pathKey) {
			hub.Path = strings.TrimPrefix(txt, pathKey)
		}
	}
	return hub, true
}
