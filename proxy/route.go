package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// A Route is one egress path: a SOCKS5 endpoint whose exit identity changes on every rotation.
type Route struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Busy bool   `json:"busy"`
}

func (r Route) String() string {
	return fmt.Sprintf("%v (%v)", r.ID, r.Addr)
}

// HTTPClient returns a client whose connections all go through the route.
func (r Route) HTTPClient(timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", r.Addr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %v: %w", r.Addr, err)
	}
	transport := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// A Table is the persisted state of the pool. Generation changes on every rotation, which invalidates all leases
// handed out before it.
type Table struct {
	Generation int     `json:"generation"`
	Routes     []Route `json:"routes"`
}

func newTable(generation int, host string, ports []int) *Table {
	t := &Table{Generation: generation, Routes: make([]Route, 0, len(ports))}
	for _, port := range ports {
		t.Routes = append(t.Routes, Route{
			ID:   fmt.Sprintf("g%d-%d", generation, port),
			Addr: net.JoinHostPort(host, strconv.Itoa(port)),
		})
	}
	return t
}

// ParsePorts parses a port list like "9050-9061" or "9050,9052,9060-9061".
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}
		from, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		to, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if to < from {
			return nil, fmt.Errorf("invalid port range %q", part)
		}
		for p := from; p <= to; p++ {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", s)
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
