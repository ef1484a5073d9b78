package util

import "net"

// LocalIP returns the primary outbound IPv4 address of this host. No packet
// is sent; the dial only selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
