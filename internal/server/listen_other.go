//go:build !linux

package server

import "net"

// listen falls back to the runtime listener, which already sets
// SO_REUSEADDR on unix platforms. The backlog is left to the OS.
func listen(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
