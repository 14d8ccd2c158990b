// Package netutil picks the address printed for a listening server.
package netutil

import (
	"net"
)

// AdvertiseHost returns the host to show users for a server bound to bindHost.
// Wildcard binds are replaced by the outbound LAN address.
func AdvertiseHost(bindHost string) string {
	switch bindHost {
	case "", "0.0.0.0", "::", "[::]":
		return LocalIPv4()
	default:
		return bindHost
	}
}

// LocalIPv4 finds the IPv4 address other machines on the LAN can reach.
// The UDP dial sends no packet, it only asks the kernel for the outbound route.
// Returns "127.0.0.1" when nothing better is found.
func LocalIPv4() string {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
			return addr.IP.String()
		}
	}

	// 离线时回退到网卡枚举
	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
