package transport

import "net"

// Pipe returns two Transports connected to each other in memory,
// with no authentication handshake. It is intended for peer-to-peer
// connections within a single process, primarily in tests.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return a, b
}
