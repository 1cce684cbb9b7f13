// Package tcp implements transport.Conn over TCP sockets with optional TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// Options configures the TCP dialer
type Options struct {
	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the system default.
	KeepAlive time.Duration

	// TLS configuration
	UseTLS     bool
	CertPath   string
	KeyPath    string
	SkipVerify bool

	// Control is called on the raw socket before connecting. Used to apply
	// socket buffer options.
	Control func(network, address string, c syscall.RawConn) error
}

// Dialer opens TCP connections to cluster nodes
type Dialer struct {
	opts Options
}

// NewDialer creates a dialer.
func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Dialer{opts: opts}
}

// WithControl returns a copy of the dialer that applies fn to each socket.
func (d *Dialer) WithControl(fn func(network, address string, c syscall.RawConn) error) *Dialer {
	opts := d.opts
	opts.Control = fn
	return &Dialer{opts: opts}
}

// WithSocketControl is WithControl for callers that only know the dialer as a
// transport.Dialer.
func (d *Dialer) WithSocketControl(fn func(network, address string, c syscall.RawConn) error) transport.Dialer {
	return d.WithControl(fn)
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, node *cluster.Node) (transport.Conn, error) {
	nd := net.Dialer{
		Timeout:   d.opts.ConnectTimeout,
		KeepAlive: d.opts.KeepAlive,
		Control:   d.opts.Control,
	}

	conn, err := nd.DialContext(ctx, "tcp", node.Address)
	if err != nil {
		return nil, protocol.ConnectionError(node.Name, errors.Wrapf(err, "dial %s", node.Address))
	}

	// Upgrade to TLS if enabled
	if d.opts.UseTLS {
		tlsConfig, err := d.buildTLSConfig(node.Address)
		if err != nil {
			conn.Close()
			return nil, err
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			return nil, protocol.NewTransportError(protocol.ErrorCodeConnection, model.ResultTLSError, "TLS handshake failed", map[string]interface{}{
				"node":  node.Name,
				"error": err.Error(),
			})
		}
		conn = tlsConn
	}

	return newConn(conn, node.Name), nil
}

// buildTLSConfig creates a TLS configuration for address
func (d *Dialer) buildTLSConfig(address string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: d.opts.SkipVerify,
	}

	// Extract server name from address
	serverName := address
	if idx := strings.LastIndex(address, ":"); idx >= 0 {
		serverName = address[:idx]
	}
	tlsConfig.ServerName = serverName

	// Load client certificate if provided
	if d.opts.CertPath != "" && d.opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(d.opts.CertPath, d.opts.KeyPath)
		if err != nil {
			return nil, protocol.NewTransportError(protocol.ErrorCodeConnection, model.ResultTLSError, "failed to load TLS certificate", map[string]interface{}{
				"certPath": d.opts.CertPath,
				"keyPath":  d.opts.KeyPath,
				"error":    err.Error(),
			})
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
