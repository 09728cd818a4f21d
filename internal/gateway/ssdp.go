package gateway

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	searchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	wanIPService = "urn:schemas-upnp-org:service:WANIPConnection:1"
)

// ssdpAddress is the SSDP multicast group. A var so tests can point
// discovery at an in-process responder.
var ssdpAddress = "239.255.255.250:1900"

// Discover performs SSDP discovery for an IGDv1 gateway and resolves its
// WANIPConnection control URL. The first valid M-SEARCH response wins.
// Discovery is bounded by the configured timeout.
func (g *Gateway) Discover() error {
	dst, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return errors.Wrap(err, "resolve ssdp address")
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return errors.Wrap(err, "open ssdp socket")
	}
	defer conn.Close()

	if dst.IP.IsMulticast() {
		ipv4.NewPacketConn(conn).SetMulticastTTL(2)
	}

	search := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddress + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: " + searchTarget + "\r\n\r\n"
	if _, err := conn.WriteTo([]byte(search), dst); err != nil {
		return errors.Wrap(err, "send M-SEARCH")
	}

	deadline := time.Now().Add(g.timeout)
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return ErrNoGateway
			}
			return errors.Wrap(err, "read ssdp response")
		}
		location, ok := parseSearchResponse(buf[:n])
		if !ok {
			continue
		}
		controlURL, err := g.resolveControlURL(location)
		if err != nil {
			logrus.WithError(err).WithField("location", location).
				Debug("gateway: skip ssdp responder")
			continue
		}
		g.mu.Lock()
		g.controlURL = controlURL
		g.mu.Unlock()
		return nil
	}
}

// parseSearchResponse extracts the LOCATION header from an M-SEARCH
// response. Only responses with a 200 status line qualify.
func parseSearchResponse(b []byte) (string, bool) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	status, err := r.ReadLine()
	if err != nil || status != "HTTP/1.1 200 OK" {
		return "", false
	}
	headers, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", false
	}
	location := headers.Get("Location")
	return location, location != ""
}

// upnpRoot is the root of a device description document.
type upnpRoot struct {
	XMLName xml.Name   `xml:"root"`
	Device  upnpDevice `xml:"device"`
}

type upnpDevice struct {
	DeviceType string        `xml:"deviceType"`
	Services   []upnpService `xml:"serviceList>service"`
	Devices    []upnpDevice  `xml:"deviceList>device"`
}

type upnpService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// resolveControlURL fetches the device description at location and walks the
// device tree depth-first for the WANIPConnection service's control URL.
// Relative control URLs are resolved against the description's base.
func (g *Gateway) resolveControlURL(location string) (string, error) {
	resp, err := g.client.Get(location)
	if err != nil {
		return "", errors.Wrap(err, "fetch device description")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device description: status %d", resp.StatusCode)
	}

	var root upnpRoot
	if err := xml.NewDecoder(resp.Body).Decode(&root); err != nil {
		return "", errors.Wrap(err, "parse device description")
	}

	control := findService(root.Device, wanIPService)
	if control == "" {
		return "", errors.New("no WANIPConnection service in device tree")
	}

	base, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrap(err, "parse description url")
	}
	ref, err := url.Parse(control)
	if err != nil {
		return "", errors.Wrap(err, "parse control url")
	}
	return base.ResolveReference(ref).String(), nil
}

func findService(d upnpDevice, serviceType string) string {
	for _, s := range d.Services {
		if s.ServiceType == serviceType {
			return s.ControlURL
		}
	}
	for _, child := range d.Devices {
		if u := findService(child, serviceType); u != "" {
			return u
		}
	}
	return ""
}
