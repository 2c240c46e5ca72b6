//go:build linux

package server

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener with SO_REUSEADDR and an explicit accept
// backlog. net.Listen always uses the kernel's somaxconn.
func listen(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || len(tcpAddr.IP) == 0 {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		family, sa = unix.AF_INET, sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		family, sa = unix.AF_INET6, sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	// FileListener dups the descriptor, so the file is closed either way
	f := os.NewFile(uintptr(fd), "tcp:"+addr)
	defer f.Close()
	return net.FileListener(f)
}
