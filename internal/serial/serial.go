// Package serial derives the stable node identity published on /Serial
// (spec.md §6) from the first non-loopback hardware address found on the
// host, matching the original's MAC-derived identity without depending on
// any particular NIC naming scheme.
package serial

import (
	"net"
	"strings"
)

// NodeID returns a colon-free, lowercase MAC address string, or "" if no
// suitable interface was found.
func NodeID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(ifc.HardwareAddr) == 0 {
			continue
		}
		return strings.ToLower(strings.ReplaceAll(ifc.HardwareAddr.String(), ":", ""))
	}
	return ""
}
