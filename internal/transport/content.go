package transport

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/gateway"
	"github.com/caravel-store/caravel/internal/ratelimit"
)

const (
	contentPortFloor    = 1024
	contentPortSpan     = 12000
	contentBindAttempts = 32

	// Per-remote-host fetch budget for the content server.
	fetchRate   = 120
	fetchWindow = time.Minute
)

// ContentServer serves raw item bytes over HTTP. Datagrams cannot carry
// arbitrary-sized payloads, so peer fetches use this side-channel; the
// datagram channel carries only discovery and control.
type ContentServer struct {
	port     int
	ln       net.Listener
	srv      *http.Server
	limiters *ratelimit.PerKey
}

// ServeContent binds a random TCP port in [1024, 13024), asks the gateway
// to map it (failure is logged and non-fatal; the server stays bound
// locally), and starts serving the handler. Requests are rate-limited per
// remote host.
func ServeContent(gw *gateway.Gateway, handler http.Handler) (*ContentServer, error) {
	var ln net.Listener
	var port int
	var err error
	for i := 0; i < contentBindAttempts; i++ {
		port = contentPortFloor + rand.Intn(contentPortSpan)
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
	}
	if ln == nil {
		return nil, errors.Wrap(err, "bind content port")
	}

	if gw != nil && gw.Ready() {
		if err := gw.OpenPort("tcp", port); err != nil {
			logrus.WithError(err).WithField("port", port).
				Warn("transport: gateway port mapping")
		}
	}

	s := &ContentServer{
		port:     port,
		ln:       ln,
		limiters: ratelimit.NewPerKey(fetchRate, fetchWindow),
	}
	s.srv = &http.Server{Handler: s.limited(handler)}
	go s.srv.Serve(ln) //nolint:errcheck
	return s, nil
}

// Port returns the bound TCP port.
func (s *ContentServer) Port() int { return s.port }

// Close stops the listener.
func (s *ContentServer) Close() error { return s.srv.Close() }

func (s *ContentServer) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiters.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
