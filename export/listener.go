// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
)

// DefaultListenAddr binds the IANA-assigned USB/IP port.
const DefaultListenAddr = ":3240"

// Server accepts importer connections, one session at a time. While a
// session is active further connections are rejected immediately
// rather than queued.
type Server struct {
	addr     string
	logger   log.Logger
	registry *Registry
	ctl      hostctl.Controller
	metrics  *Metrics

	busy atomic.Bool
}

func NewServer(addr string, registry *Registry, ctl hostctl.Controller, metrics *Metrics, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if addr == "" {
		addr = DefaultListenAddr
	}
	return &Server{
		addr:     addr,
		logger:   logger,
		registry: registry,
		ctl:      ctl,
		metrics:  metrics,
	}
}

// Run listens until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", srv.addr)
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	_ = srv.logger.Log("msg", "USB/IP server listening", "addr", srv.addr)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept failed")
			}
		}

		if !srv.busy.CompareAndSwap(false, true) {
			_ = level.Warn(srv.logger).Log("msg", "rejecting connection while a session is active", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		srv.metrics.SessionsTotal.Inc()
		_ = srv.logger.Log("msg", "importer connected", "remote", conn.RemoteAddr())
		sess := NewSession(conn, srv.registry, srv.ctl, srv.metrics, log.With(srv.logger, "remote", conn.RemoteAddr()))
		go func() {
			defer srv.busy.Store(false)
			if err := sess.Run(ctx); err != nil {
				_ = level.Warn(srv.logger).Log("msg", "session ended with error", "err", err)
				return
			}
			_ = level.Info(srv.logger).Log("msg", "session closed")
		}()
	}
}
