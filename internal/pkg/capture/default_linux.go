//go:build linux

package capture

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// DefaultDevice returns the name of the link carrying the IPv4 default
// route, falling back to the IPv6 one.
func DefaultDevice() (string, error) {
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil {
			return "", fmt.Errorf("list routes: %w", err)
		}
		for _, route := range routes {
			if !isDefaultRoute(route) {
				continue
			}
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", fmt.Errorf("look up link %d: %w", route.LinkIndex, err)
			}
			return link.Attrs().Name, nil
		}
	}
	return "", ErrNoDefaultRoute
}

func isDefaultRoute(route netlink.Route) bool {
	if route.LinkIndex == 0 {
		return false
	}
	if route.Dst == nil {
		return true
	}
	ones, _ := route.Dst.Mask.Size()
	return ones == 0
}
