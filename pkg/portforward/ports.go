package portforward

import (
	"fmt"
	"net"
	"strconv"
)

// portAvailable reports whether port can be bound on bindAddress right now.
func portAvailable(bindAddress string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// freePort asks the kernel for an unused port on bindAddress.
func freePort(bindAddress string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find a free local port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
