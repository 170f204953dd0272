package kafkahealth

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default ports applied when a connect string omits one.
const (
	DefaultZKPort     = 2181
	DefaultBrokerPort = 9092
)

// ParseEnsemble parses a Zookeeper connect string:
// host1:port1,host2:port2[/chroot]. Hosts without a port get 2181.
// The chroot suffix, if any, is returned separately without modification.
func ParseEnsemble(connect string) ([]Endpoint, string, error) {
	connect = strings.TrimSpace(connect)
	if connect == "" {
		return nil, "", fmt.Errorf("empty connect string")
	}

	hosts, chroot := connect, ""
	if idx := strings.IndexByte(connect, '/'); idx >= 0 {
		hosts, chroot = connect[:idx], connect[idx:]
		if chroot == "/" {
			chroot = ""
		}
	}

	nodes, err := parseHostList(hosts, DefaultZKPort)
	if err != nil {
		return nil, "", fmt.Errorf("invalid connect string %q: %w", connect, err)
	}
	return nodes, chroot, nil
}

// ParseBrokerList parses a comma separated list of broker addresses.
// Hosts without a port get 9092.
func ParseBrokerList(list string) ([]Endpoint, error) {
	brokers, err := parseHostList(list, DefaultBrokerPort)
	if err != nil {
		return nil, fmt.Errorf("invalid broker list %q: %w", list, err)
	}
	return brokers, nil
}

// parseHostList handles comma-separated host:port pairs. Duplicate
// entries are kept once, in first-seen order.
func parseHostList(list string, defaultPort int) ([]Endpoint, error) {
	parts := strings.Split(list, ",")
	results := make([]Endpoint, 0, len(parts))
	seen := make(map[Endpoint]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		ep, err := extractHostPort(part, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", part, err)
		}
		if seen[ep] {
			continue
		}
		seen[ep] = true
		results = append(results, ep)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no hosts found")
	}
	return results, nil
}

// extractHostPort splits a host:port string, applying the default port if
// missing. Handles IPv6 addresses in brackets: [::1]:2181.
func extractHostPort(hostPort string, defaultPort int) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		port = ""

		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("empty host")
	}

	p := defaultPort
	if port != "" {
		p, err = parsePort(port)
		if err != nil {
			return Endpoint{}, err
		}
	}
	return Endpoint{Host: host, Port: p}, nil
}

// parsePort checks that port is a valid number in 1-65535.
func parsePort(port string) (int, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", p)
	}
	return p, nil
}
