// Package discovery finds sync servers on the local network via mDNS
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	Service = "_threadsync._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no server found")

// Advertise registers the server on the local network until ctx is done
func Advertise(ctx context.Context, log zerolog.Logger, port int) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("threadsync-%s", host),
		Service,
		Domain,
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	defer server.Shutdown()

	log.Info().Str("service", Service).Int("port", port).Msg("mDNS service registered")
	<-ctx.Done()
	return nil
}

// Browse returns the websocket URL of the first server found before ctx is
// done
func Browse(ctx context.Context, log zerolog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			url, ok := entryURL(entry)
			if !ok {
				continue
			}
			log.Info().Str("instance", entry.Instance).Str("url", url).Msg("mDNS discovered server")
			select {
			case found <- url:
				cancel()
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browsing mDNS services: %w", err)
	}
	<-ctx.Done()

	select {
	case url := <-found:
		return url, nil
	default:
		return "", ErrNotFound
	}
}

func entryURL(e *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) != 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) != 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	return wsURL(ip.String(), e.Port, e.Text), true
}

func wsURL(host string, port int, txt []string) string {
	path := "/ws"
	for _, t := range txt {
		if p, ok := strings.CutPrefix(t, "path="); ok {
			path = p
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}
