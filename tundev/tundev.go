// Package tundev allocates the local TUN network device the bond reads
// aggregate IP traffic from and writes reassembled traffic back to, and
// configures its link state, addresses, and routes (spec.md §1 "external
// collaborator", kept thin and out of the core event loop).
package tundev

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ifReqSize is sizeof(struct ifreq) on Linux: IFNAMSIZ(16) + a union large
// enough for the flags/ifru_data fields TUNSETIFF needs.
const ifReqSize = 40

// ifNameSize is IFNAMSIZ.
const ifNameSize = 16

// Device is an open TUN device plus the interface name the kernel assigned
// it (kernel-chosen when no name was requested).
type Device struct {
	file *deviceFile
	Name string
	MTU  int
}

// deviceFile narrows the os.File surface Device actually needs, so tests
// can substitute an in-memory pipe instead of opening /dev/net/tun.
type deviceFile struct {
	fd int
}

// Open allocates (or attaches to) a non-persistent TUN device named name
// (a kernel-assigned name is used if name is empty),
// matching the original's "open /dev/net/tun, TUNSETIFF" sequence.
func Open(name string, mtu int) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tundev: open /dev/net/tun")
	}

	var ifr [ifReqSize]byte
	copy(ifr[:ifNameSize], name)
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	*(*uint16)(unsafe.Pointer(&ifr[ifNameSize])) = flags

	if err := ioctl(fd, unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr[0]))); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tundev: TUNSETIFF")
	}

	assigned := cString(ifr[:ifNameSize])
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tundev: set nonblocking")
	}

	d := &Device{file: &deviceFile{fd: fd}, Name: assigned, MTU: mtu}
	if mtu > 0 {
		if err := d.setMTU(mtu); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Fd returns the underlying file descriptor, for non-blocking read/write
// loops in the engine package.
func (d *Device) Fd() int {
	return d.file.fd
}

// Read pulls one IP packet off the TUN device into buf, returning the
// number of bytes read.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.file.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write sends one reassembled IP packet out through the TUN device.
func (d *Device) Write(buf []byte) (int, error) {
	n, err := unix.Write(d.file.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.file.fd)
}

// setMTU applies mtu to the now-allocated interface via netlink, replacing
// the original's shell-out to `ip link set dev ... mtu ...`.
func (d *Device) setMTU(mtu int) error {
	link, err := netlink.LinkByName(d.Name)
	if err != nil {
		return errors.Wrapf(err, "tundev: link by name %s", d.Name)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return errors.Wrapf(err, "tundev: set mtu %d on %s", mtu, d.Name)
	}
	return nil
}

// Up brings the named interface up, optionally assigning CIDR addresses
// and default routes (spec.md §6 hooks environment: IP4/IP6/*_GATEWAY/
// *_ROUTES are the hook-visible counterparts of this configuration).
func Up(name string, addrs []string, routes []string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "tundev: link by name %s", name)
	}
	for _, a := range addrs {
		addr, err := netlink.ParseAddr(a)
		if err != nil {
			return errors.Wrapf(err, "tundev: parse address %s", a)
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return errors.Wrapf(err, "tundev: add address %s to %s", a, name)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "tundev: link up %s", name)
	}
	for _, r := range routes {
		dst, err := netlink.ParseIPNet(r)
		if err != nil {
			return errors.Wrapf(err, "tundev: parse route %s", r)
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteAdd(route); err != nil {
			return errors.Wrapf(err, "tundev: add route %s via %s", r, name)
		}
	}
	return nil
}

// Down brings the named interface administratively down (spec.md §6
// "tuntap_down"), used when the last tunnel drops.
func Down(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "tundev: link by name %s", name)
	}
	return netlink.LinkSetDown(link)
}
