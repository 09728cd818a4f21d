package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoGateway is returned when SSDP discovery finds no Internet Gateway
// Device before the deadline.
var ErrNoGateway = errors.New("no internet gateway device found")

// Config holds gateway client configuration. Zero values get defaults.
type Config struct {
	// Namespace tags every port mapping this instance creates so it can
	// later enumerate and remove only its own mappings.
	Namespace string
	// DiscoveryTimeout bounds SSDP discovery (default 5s).
	DiscoveryTimeout time.Duration
}

// Mapping is one external-to-internal port mapping on the gateway.
type Mapping struct {
	Protocol     string
	ExternalPort int
	InternalPort int
	InternalHost string
	Description  string
}

// Gateway is a uPnP IGDv1 client. Discover locates the gateway's
// WANIPConnection control endpoint; the remaining operations POST SOAP
// envelopes to it.
type Gateway struct {
	namespace string
	timeout   time.Duration
	client    *http.Client

	mu         sync.Mutex
	controlURL string
}

// New creates a gateway client. Call Discover before using the port
// operations.
func New(cfg Config) *Gateway {
	if cfg.Namespace == "" {
		cfg.Namespace = "caravel"
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = 5 * time.Second
	}
	return &Gateway{
		namespace: cfg.Namespace,
		timeout:   cfg.DiscoveryTimeout,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Ready reports whether a gateway control endpoint has been discovered.
func (g *Gateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.controlURL != ""
}

func (g *Gateway) control() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.controlURL == "" {
		return "", ErrNoGateway
	}
	return g.controlURL, nil
}

// ExternalAddress asks the gateway for its WAN-facing IPv4 address.
func (g *Gateway) ExternalAddress() (string, error) {
	vals, err := g.soapCall("GetExternalIPAddress", nil)
	if err != nil {
		return "", err
	}
	addr := vals["NewExternalIPAddress"]
	if addr == "" {
		return "", errors.New("gateway returned no external address")
	}
	return addr, nil
}

// OpenPort maps the external port to the same internal port for every
// non-loopback IPv4 interface address, sequentially. The mapping
// description is the instance namespace.
func (g *Gateway) OpenPort(proto string, port int) error {
	hosts, err := localAddrs()
	if err != nil {
		return errors.Wrap(err, "enumerate interfaces")
	}
	if len(hosts) == 0 {
		return errors.New("no non-loopback IPv4 interface")
	}
	for _, host := range hosts {
		_, err := g.soapCall("AddPortMapping", []soapArg{
			{"NewRemoteHost", ""},
			{"NewExternalPort", strconv.Itoa(port)},
			{"NewProtocol", strings.ToUpper(proto)},
			{"NewInternalPort", strconv.Itoa(port)},
			{"NewInternalClient", host},
			{"NewEnabled", "1"},
			{"NewPortMappingDescription", g.namespace},
			{"NewLeaseDuration", "0"},
		})
		if err != nil {
			return errors.Wrapf(err, "map %s %d -> %s", proto, port, host)
		}
	}
	return nil
}

// ListOpenPorts enumerates the gateway's mapping table and returns the
// mappings tagged with this instance's namespace. Enumeration stops at the
// SpecifiedArrayIndexInvalid fault (713).
func (g *Gateway) ListOpenPorts() ([]Mapping, error) {
	var out []Mapping
	for i := 0; ; i++ {
		vals, err := g.soapCall("GetGenericPortMappingEntry", []soapArg{
			{"NewPortMappingIndex", strconv.Itoa(i)},
		})
		if err != nil {
			var fault *SOAPFault
			if errors.As(err, &fault) && fault.Code == faultArrayIndexInvalid {
				return out, nil
			}
			return nil, errors.Wrapf(err, "mapping entry %d", i)
		}
		if vals["NewPortMappingDescription"] != g.namespace {
			continue
		}
		ext, _ := strconv.Atoi(vals["NewExternalPort"])
		intl, _ := strconv.Atoi(vals["NewInternalPort"])
		out = append(out, Mapping{
			Protocol:     vals["NewProtocol"],
			ExternalPort: ext,
			InternalPort: intl,
			InternalHost: vals["NewInternalClient"],
			Description:  vals["NewPortMappingDescription"],
		})
	}
}

// ClosePort removes port mappings. With both proto and port given it
// removes that single mapping; otherwise it removes every mapping owned by
// this instance's namespace, optionally narrowed to proto. Ownership is
// checked through the description tag so foreign mappings on the same
// (protocol, port) tuple are left alone.
func (g *Gateway) ClosePort(proto string, port int) error {
	if proto != "" && port > 0 {
		return g.deleteMapping(proto, port)
	}
	mappings, err := g.ListOpenPorts()
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if proto != "" && !strings.EqualFold(m.Protocol, proto) {
			continue
		}
		if err := g.deleteMapping(m.Protocol, m.ExternalPort); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"proto": m.Protocol,
				"port":  m.ExternalPort,
			}).Warn("gateway: delete port mapping")
		}
	}
	return nil
}

func (g *Gateway) deleteMapping(proto string, port int) error {
	_, err := g.soapCall("DeletePortMapping", []soapArg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(port)},
		{"NewProtocol", strings.ToUpper(proto)},
	})
	return err
}

// localAddrs returns the IPv4 address of every up, non-loopback interface.
func localAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				out = append(out, v4.String())
			}
		}
	}
	return out, nil
}
