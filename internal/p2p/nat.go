package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATManager punches a hole for the node's listen port through a home
// router, trying NAT-PMP first and falling back to UPnP IGDv1. NAT-PMP
// is cheaper to query; UPnP's SSDP discovery is the broader fallback
// that works without knowing the gateway address up front.
type NATManager struct {
	pmpClient *natpmp.Client
	upnp      *internetgateway1.WANIPConnection1
	mappedVia string
	port      uint16
}

// NewNATManager probes for a usable NAT traversal method. gatewayIP, if
// non-nil, is tried via NAT-PMP; UPnP discovery is always attempted as
// a fallback since it locates the gateway itself via SSDP. Returns an
// error only if neither method is available.
func NewNATManager(gatewayIP net.IP) (*NATManager, error) {
	m := &NATManager{}

	if gatewayIP != nil {
		client := natpmp.NewClient(gatewayIP)
		if _, err := client.GetExternalAddress(); err == nil {
			m.pmpClient = client
			m.mappedVia = "nat-pmp"
			return m, nil
		}
	}

	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err == nil && len(clients) > 0 {
		m.upnp = clients[0]
		m.mappedVia = "upnp"
		return m, nil
	}

	return nil, fmt.Errorf("p2p: no NAT traversal method available")
}

// Map requests an external mapping for port on both TCP. It remembers
// port so Unmap can release the same mapping later.
func (m *NATManager) Map(port uint16) error {
	m.port = port
	switch m.mappedVia {
	case "nat-pmp":
		_, err := m.pmpClient.AddPortMapping("tcp", int(port), int(port), 3600)
		return err
	case "upnp":
		externalIP, err := m.ExternalIP()
		host := ""
		if err == nil {
			host = externalIP.String()
		}
		return m.upnp.AddPortMapping("", port, "TCP", port, host, true, "corenode", 3600)
	default:
		return fmt.Errorf("p2p: NATManager not initialized")
	}
}

// Unmap releases the mapping established by Map.
func (m *NATManager) Unmap() error {
	switch m.mappedVia {
	case "nat-pmp":
		_, err := m.pmpClient.AddPortMapping("tcp", int(m.port), 0, 0)
		return err
	case "upnp":
		return m.upnp.DeletePortMapping("", m.port, "TCP")
	default:
		return nil
	}
}

// ExternalIP returns the router's external address.
func (m *NATManager) ExternalIP() (net.IP, error) {
	switch m.mappedVia {
	case "nat-pmp":
		resp, err := m.pmpClient.GetExternalAddress()
		if err != nil {
			return nil, err
		}
		ip := resp.ExternalIPAddress
		return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
	case "upnp":
		ipStr, err := m.upnp.GetExternalIPAddress()
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("p2p: upnp returned unparseable IP %q", ipStr)
		}
		return ip, nil
	default:
		return nil, fmt.Errorf("p2p: NATManager not initialized")
	}
}

// RenewInterval is how often Map should be reissued to keep a lease
// mapping from expiring (both backends above request a 3600s lease).
const RenewInterval = 30 * time.Minute
