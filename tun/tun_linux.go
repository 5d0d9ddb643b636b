package tun

import (
	"net"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Device is an opened TUN interface. Read and Write move raw IPv6
// datagrams without any protocol preamble.
type Device struct {
	iface  *water.Interface
	Name   string
	Subnet Subnet
}

// in6Ifreq is the kernel's argument for the IPv6 SIOCSIFADDR ioctl.
type in6Ifreq struct {
	Addr      [16]byte
	Prefixlen uint32
	Ifindex   int32
}

// Open creates a TUN interface for the given IPv6 /64 prefix, assigns
// prefix::1 to it and brings it up. The MCU lives at prefix::2.
func Open(prefixArg string) (*Device, error) {
	subnet, err := ParseSubnet(prefixArg)
	if err != nil {
		return nil, err
	}

	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, errors.Wrap(err, "creating TUN interface")
	}

	dev := &Device{
		iface:  iface,
		Name:   iface.Name(),
		Subnet: subnet,
	}

	if err := dev.configure(); err != nil {
		_ = iface.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"interface": dev.Name,
		"subnet":    subnet.Prefix.String() + "/64",
		"host":      subnet.Host,
		"mcu":       subnet.MCU,
	}).Info("Created TUN interface")

	return dev, nil
}

// configure assigns the host address and raises the interface.
func (d *Device) configure() error {
	link, err := net.InterfaceByName(d.Name)
	if err != nil {
		return errors.Wrapf(err, "looking up interface %s", d.Name)
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if err != nil {
		return errors.Wrap(err, "opening configuration socket")
	}
	defer unix.Close(fd)

	req := in6Ifreq{
		Prefixlen: 64,
		Ifindex:   int32(link.Index),
	}
	copy(req.Addr[:], d.Subnet.Host.To16())

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.SIOCSIFADDR), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return errors.Wrapf(errno, "assigning address to %s", d.Name)
	}

	ifr, err := unix.NewIfreq(d.Name)
	if err != nil {
		return errors.Wrap(err, "building interface request")
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return errors.Wrapf(err, "reading flags of %s", d.Name)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return errors.Wrapf(err, "raising %s", d.Name)
	}

	return nil
}

func (d *Device) Read(p []byte) (int, error) {
	return d.iface.Read(p)
}

func (d *Device) Write(p []byte) (int, error) {
	return d.iface.Write(p)
}

func (d *Device) Close() error {
	return d.iface.Close()
}
