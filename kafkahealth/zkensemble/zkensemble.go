// Package zkensemble reads Kafka topology from a Zookeeper ensemble for
// kafkahealth.
//
// Pass a Connector to the prober:
//
//	kafkahealth.New(kafkahealth.WithEnsembleConnector(zkensemble.New()))
package zkensemble

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// Defaults.
const (
	DefaultSessionTimeout = 10 * time.Second
	DefaultPingTimeout    = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Connector opens Zookeeper sessions against single ensemble nodes.
type Connector struct {
	sessionTimeout time.Duration
	pingTimeout    time.Duration
	connectTimeout time.Duration
	chroot         string
	prober         BrokerProber
	logger         *slog.Logger

	ruok func(servers []string, timeout time.Duration) []bool
	dial func(node string, timeout time.Duration, logger zk.Logger) (session, <-chan zk.Event, error)
}

// Option configures the Connector.
type Option func(*Connector)

// WithSessionTimeout sets the Zookeeper session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.sessionTimeout = d
	}
}

// WithPingTimeout bounds the "ruok" four-letter-word check.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.pingTimeout = d
	}
}

// WithConnectTimeout bounds the wait for an established session.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.connectTimeout = d
	}
}

// WithChroot prefixes every registry path, e.g. "/kafka".
func WithChroot(chroot string) Option {
	return func(c *Connector) {
		if chroot == "/" {
			chroot = ""
		}
		c.chroot = chroot
	}
}

// WithBrokerProber replaces the broker liveness check.
func WithBrokerProber(p BrokerProber) Option {
	return func(c *Connector) {
		c.prober = p
	}
}

// WithLogger sets the logger used for Zookeeper client messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = l
	}
}

// New creates a new Zookeeper connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		sessionTimeout: DefaultSessionTimeout,
		pingTimeout:    DefaultPingTimeout,
		connectTimeout: DefaultConnectTimeout,
		prober:         NewKafkaProber(),
		logger:         slog.Default(),
		ruok:           zk.FLWRuok,
		dial:           dialZK,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping sends "ruok" to the node and reports whether it answered "imok".
func (c *Connector) Ping(ctx context.Context, node kafkahealth.Endpoint) bool {
	timeout := c.pingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return false
	}
	res := c.ruok([]string{node.String()}, timeout)
	return len(res) == 1 && res[0]
}

// Connect opens a session against a single node and waits until it is
// established. The returned client must be closed.
func (c *Connector) Connect(ctx context.Context, node kafkahealth.Endpoint) (kafkahealth.EnsembleClient, error) {
	conn, events, err := c.dial(node.String(), c.sessionTimeout, slogAdapter{logger: c.logger, node: node.String()})
	if err != nil {
		return nil, &kafkahealth.ConnectivityError{Endpoint: node.String(), Cause: err}
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, &kafkahealth.ConnectivityError{Endpoint: node.String(), Cause: zk.ErrClosing}
			}
			switch ev.State {
			case zk.StateHasSession:
				return &client{
					node:   node,
					reg:    conn,
					chroot: c.chroot,
					prober: c.prober,
					logger: c.logger,
				}, nil
			case zk.StateAuthFailed, zk.StateExpired:
				conn.Close()
				return nil, &kafkahealth.ConnectivityError{
					Endpoint: node.String(),
					Cause:    fmt.Errorf("zookeeper session %s", ev.State),
				}
			}
		case <-timer.C:
			conn.Close()
			return nil, &kafkahealth.ConnectivityError{
				Endpoint: node.String(),
				Cause:    fmt.Errorf("no session after %s: %w", c.connectTimeout, context.DeadlineExceeded),
			}
		case <-ctx.Done():
			conn.Close()
			return nil, &kafkahealth.ConnectivityError{Endpoint: node.String(), Cause: ctx.Err()}
		}
	}
}

// session is the subset of *zk.Conn used by the client.
type session interface {
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Close()
}

// dialZK connects to exactly one server so that each ensemble node is read
// independently of the others.
func dialZK(node string, timeout time.Duration, logger zk.Logger) (session, <-chan zk.Event, error) {
	conn, events, err := zk.Connect([]string{node}, timeout, zk.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}

// slogAdapter routes Zookeeper client messages to slog at debug level.
type slogAdapter struct {
	logger *slog.Logger
	node   string
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Debug("kafkahealth: zookeeper client", "node", a.node, "msg", fmt.Sprintf(format, args...))
}

func splitHostPort(hostPort string) (string, int, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return host, p, nil
}
