// Package discovery finds hosts in a subnet that accept TCP connections on a port.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/metrics"
)

const (
	DefaultPort    = 22
	DefaultTimeout = time.Second
	DefaultWorkers = 100

	// MaxHosts bounds a single scan.
	MaxHosts = 65536
)

var (
	ErrInvalidCIDR   = errors.New("invalid CIDR")
	ErrRangeTooLarge = errors.New("address range too large")
)

// Hosts returns the usable addresses of cidr in ascending order. Host bits
// are masked off, so "10.0.0.5/24" scans 10.0.0.0/24. A bare address is
// treated as a single-host prefix.
func Hosts(cidr string) ([]netip.Addr, error) {
	cidr = strings.TrimSpace(cidr)
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		addr, addrErr := netip.ParseAddr(cidr)
		if addrErr != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	// 2^17 addresses minus the excluded ones is still above MaxHosts.
	if hostBits > 16 {
		return nil, fmt.Errorf("%w: %s", ErrRangeTooLarge, prefix)
	}
	total := 1 << hostBits

	first, last := 0, total-1
	if prefix.Addr().Is4() && hostBits >= 2 {
		// network and broadcast
		first, last = 1, total-2
	}
	if prefix.Addr().Is6() && hostBits >= 2 {
		// subnet-router anycast
		first = 1
	}

	hosts := make([]netip.Addr, 0, last-first+1)
	addr := prefix.Addr()
	for i := 0; i <= last; i++ {
		if i >= first {
			hosts = append(hosts, addr)
		}
		addr = addr.Next()
	}
	if len(hosts) > MaxHosts {
		return nil, fmt.Errorf("%w: %s", ErrRangeTooLarge, prefix)
	}
	return hosts, nil
}

// Discover probes every usable address of cidr on port with a pool of
// workers and returns the reachable ones, sorted. Refused and timed-out
// probes simply mean unreachable.
func Discover(ctx context.Context, cidr string, port int, timeout time.Duration, workers int) ([]string, error) {
	if port <= 0 {
		port = DefaultPort
	}
	if port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	hosts, err := Hosts(cidr)
	if err != nil {
		return nil, err
	}
	if workers > len(hosts) {
		workers = len(hosts)
	}

	start := time.Now()
	addrs := make(chan netip.Addr)
	var (
		mu        sync.Mutex
		reachable []netip.Addr
		wg        sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range addrs {
				if probe(ctx, netip.AddrPortFrom(addr, uint16(port)), timeout) {
					mu.Lock()
					reachable = append(reachable, addr)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, addr := range hosts {
		select {
		case addrs <- addr:
		case <-ctx.Done():
			break feed
		}
	}
	close(addrs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(reachable, func(a, b netip.Addr) int { return a.Compare(b) })
	out := make([]string, 0, len(reachable))
	for _, addr := range reachable {
		out = append(out, addr.String())
	}
	log.Infof("Discovery of %s:%d found %d of %d hosts in %s", cidr, port, len(out), len(hosts), time.Since(start).Round(time.Millisecond))
	return out, nil
}

func probe(ctx context.Context, target netip.AddrPort, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		metrics.DiscoveryProbes.WithLabelValues("unreachable").Inc()
		return false
	}
	conn.Close()
	metrics.DiscoveryProbes.WithLabelValues("reachable").Inc()
	return true
}
