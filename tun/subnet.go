// Package tun brings up the point-to-point tunnel interface: a TUN
// device carrying raw IPv6 datagrams between the host and the MCU.
package tun

import (
	"net"

	"github.com/pkg/errors"
)

// Subnet is the /64 prefix shared by the host and the MCU. The host
// takes prefix::1, the MCU prefix::2.
type Subnet struct {
	Prefix net.IP
	Host   net.IP
	MCU    net.IP
}

// ParseSubnet interprets arg as an IPv6 /64 prefix. The lower 64 bits
// of the given address are cleared.
func ParseSubnet(arg string) (Subnet, error) {
	ip := net.ParseIP(arg)
	if ip == nil || ip.To4() != nil || ip.To16() == nil {
		return Subnet{}, errors.Errorf("invalid IPv6 address %q", arg)
	}

	prefix := make(net.IP, net.IPv6len)
	copy(prefix, ip.To16())
	for i := 8; i < net.IPv6len; i++ {
		prefix[i] = 0
	}

	host := make(net.IP, net.IPv6len)
	copy(host, prefix)
	host[net.IPv6len-1] = 0x01

	mcu := make(net.IP, net.IPv6len)
	copy(mcu, prefix)
	mcu[net.IPv6len-1] = 0x02

	return Subnet{Prefix: prefix, Host: host, MCU: mcu}, nil
}
