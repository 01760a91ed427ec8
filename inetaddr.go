// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// InetAddr is a thin host:port value type holding an IP string and a
// port, convertible to the raw IPv4 sockaddr the core deals in, standing
// in for the address collaborator spec.md treats as external.
type InetAddr struct {
	IP   string
	Port uint16
}

// NewInetAddr builds an address for a specific host and port.
func NewInetAddr(ip string, port uint16) InetAddr {
	return InetAddr{IP: ip, Port: port}
}

// NewInetAddrForPort builds a listen-any-address endpoint, the common
// case for a server binding a port without restricting the interface.
func NewInetAddrForPort(port uint16) InetAddr {
	return InetAddr{IP: "0.0.0.0", Port: port}
}

func (a InetAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a InetAddr) toSockaddrInet4() (*unix.SockaddrInet4, error) {
	ip := net.ParseIP(a.IP)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", a.IP)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", a.IP)
		}
		ip = resolved.IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.Errorf("address %s is not an IPv4 address", a.IP)
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func inetAddrFromSockaddr(sa unix.Sockaddr) (InetAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:]).String()
		return InetAddr{IP: ip, Port: uint16(v.Port)}, nil
	default:
		return InetAddr{}, errors.Errorf("unsupported sockaddr type %T", sa)
	}
}
