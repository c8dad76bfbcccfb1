// Package capture discovers the network interfaces lagswitch can bridge
// through and the device that carries the default route.
package capture

import (
	"net"
	"strings"

	"github.com/google/gopacket/pcap"
)

// InterfaceInfo describes a capture device for display.
type InterfaceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Addresses   []string `json:"addresses,omitempty"`
	Default     bool     `json:"default,omitempty"`
}

// ListInterfaces returns the devices libpcap can open, skipping those that
// cannot carry a bridged flow. The device carrying the default route, when
// it can be determined, is flagged.
func ListInterfaces() ([]InterfaceInfo, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}

	defaultDev, _ := DefaultDevice()

	var result []InterfaceInfo
	for _, device := range devices {
		if !IsBridgeableInterface(device.Name) {
			continue
		}

		info := InterfaceInfo{
			Name:        device.Name,
			Description: describe(device.Description),
			Default:     device.Name == defaultDev,
		}
		for _, addr := range device.Addresses {
			info.Addresses = append(info.Addresses, formatAddress(addr.IP, addr.Netmask))
		}
		result = append(result, info)
	}

	return result, nil
}

// IsBridgeableInterface returns false for pseudo devices and for loopback,
// USB and bluetooth interfaces, which never carry the traffic of a remote
// peer.
func IsBridgeableInterface(name string) bool {
	name = strings.ToLower(name)
	if name == "any" || name == "lo" || strings.HasPrefix(name, "lo0") {
		return false
	}

	excludePatterns := []string{
		"loopback",
		"usb", "bluetooth",
		"nflog", "nfqueue", "dbus",
	}
	for _, pattern := range excludePatterns {
		if strings.Contains(name, pattern) {
			return false
		}
	}
	return true
}

func describe(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "Network interface"
	}
	if len(desc) > 50 {
		desc = desc[:50] + "..."
	}
	return desc
}

func formatAddress(ip net.IP, mask net.IPMask) string {
	if mask == nil {
		return ip.String()
	}
	ones, bits := mask.Size()
	if bits == 0 {
		return ip.String()
	}
	return (&net.IPNet{IP: ip, Mask: net.CIDRMask(ones, bits)}).String()
}
