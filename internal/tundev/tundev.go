// Package tundev opens a Linux TUN device and feeds the raw IPv4/TCP
// packets it reads through the tunnat NAT engine, writing back whatever
// HandlePacket/RewriteHeaders decide to forward. The raw TUN driver is an
// external-collaborator concern the core spec treats as out of scope; this
// package exists only as a minimal, real opener so the NAT engine has
// something to run against outside of tests.
//
// Grounded in telepresenceio-telepresence's TUNSETIFF ioctl wrapper
// (pkg/client/daemon/tun/syscall_linux.go): the same unix.IoctlSetInt over
// an ifreq struct is used here to bring up an IFF_TUN|IFF_NO_PI device.
package tundev

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/tunnat"
)

const (
	tunPath = "/dev/net/tun"

	ipProtoTCP = 6

	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagACK = 0x10
)

// Device is an opened TUN interface.
type Device struct {
	file *os.File
	Name string
	MTU  int
}

// Open creates (or attaches to) the TUN interface named name with IFF_TUN |
// IFF_NO_PI, per telepresence's IoctlTunSetInterfaceFlags helper.
func Open(name string, mtu int) (*Device, error) {
	f, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundev: open %s: %w", tunPath, err)
	}

	actual, err := ioctlTunSetInterfaceFlags(int(f.Fd()), name, unix.IFF_TUN|unix.IFF_NO_PI)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tundev: TUNSETIFF: %w", err)
	}

	return &Device{file: f, Name: actual, MTU: mtu}, nil
}

func (d *Device) Close() error { return d.file.Close() }

// RunNAT reads packets from d in a loop, feeding each IPv4/TCP segment
// through eng.HandlePacket and, when forwarded, rewriting and writing the
// packet back out (spec §4.10).
func (d *Device) RunNAT(eng *tunnat.Engine) {
	buf := make([]byte, d.MTU)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			logx.W("tundev: read %s: %v", d.Name, err)
			return
		}
		d.handlePacket(eng, buf[:n])
	}
}

func (d *Device) handlePacket(eng *tunnat.Engine, packet []byte) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return // not IPv4
	}
	ihl := int(packet[0]&0x0f) * 4
	if len(packet) < ihl+20 || packet[9] != ipProtoTCP {
		return // not TCP
	}

	src, ok1 := netip.AddrFromSlice(packet[12:16])
	dest, ok2 := netip.AddrFromSlice(packet[16:20])
	if !ok1 || !ok2 {
		return
	}

	tcp := packet[ihl:]
	srcPort := uint16(tcp[0])<<8 | uint16(tcp[1])
	destPort := uint16(tcp[2])<<8 | uint16(tcp[3])
	flags := tcp[13]

	srcAP := netip.AddrPortFrom(src, srcPort)
	destAP := netip.AddrPortFrom(dest, destPort)

	newSrc, newDest, ok := eng.HandlePacket(
		srcAP, destAP,
		flags&flagSYN != 0, flags&flagACK != 0, flags&flagRST != 0, flags&flagFIN != 0,
	)
	if !ok {
		return
	}

	if err := tunnat.RewriteHeaders(packet, newSrc, newDest); err != nil {
		logx.W("tundev: rewrite headers: %v", err)
		return
	}
	if _, err := d.file.Write(packet); err != nil {
		logx.W("tundev: write %s: %v", d.Name, err)
	}
}

func ioctlTunSetInterfaceFlags(fd int, name string, flags int16) (string, error) {
	var ifreq struct {
		name  [unix.IFNAMSIZ]byte
		flags int16
	}
	if len(name) > unix.IFNAMSIZ {
		return "", unix.EINVAL
	}
	copy(ifreq.name[:], name)
	ifreq.flags = flags

	err := unix.IoctlSetInt(fd, unix.TUNSETIFF, int(uintptr(unsafe.Pointer(&ifreq))))
	return string(bytes.SplitN(ifreq.name[:], []byte{0}, 2)[0]), err
}
