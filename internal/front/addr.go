package front

import (
	"fmt"
	"strings"
)

// dialTarget returns the net.Dial/net.Listen network and address for a
// configured host/port pair, dispatching to a UNIX-domain socket when the
// address begins with '/' (spec.md §4.3).
func dialTarget(address string, port uint32) (network, addr string) {
	if strings.HasPrefix(address, "/") {
		return "unix", address
	}
	host := address
	if host == "*" {
		host = ""
	}
	return "tcp", fmt.Sprintf("%s:%d", host, port)
}
