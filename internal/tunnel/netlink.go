//go:build linux

package tunnel

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel state is programmed with raw netlink messages instead of
// shelling out to `ip` or pulling in a netlink library: the handful of
// message shapes floegate needs (address, link-up, route) is small and
// fixed. Requires CAP_NET_ADMIN.

// routeProtocol marks every route floegate installs. A dedicated
// protocol keeps reconciliation honest: SetRoutes only ever removes
// routes it added itself, and `ip route show proto static` lists exactly
// the floegate route set.
const routeProtocol = unix.RTPROT_STATIC

// AddAddress assigns addr to the interface, the equivalent of
// `ip addr add <addr> dev <ifName>`.
func AddAddress(ifName string, addr netip.Prefix) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	family, ip := addrFamily(addr.Addr())
	msg := buildNewAddrMsg(ifIndex, family, uint8(addr.Bits()), ip)

	if err := netlinkTransact(msg); err != nil {
		return fmt.Errorf("adding address %s to %s: %w", addr, ifName, err)
	}
	return nil
}

// SetLinkUp brings the interface up, the equivalent of
// `ip link set <ifName> up`.
func SetLinkUp(ifName string) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	if err := netlinkTransact(buildSetLinkUpMsg(ifIndex)); err != nil {
		return fmt.Errorf("setting %s up: %w", ifName, err)
	}
	return nil
}

// AddRoute routes dst through the interface, the equivalent of
// `ip route add <dst> dev <ifName> proto static`.
func AddRoute(ifName string, dst netip.Prefix) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	family, ip := addrFamily(dst.Masked().Addr())
	msg := buildRouteMsg(unix.RTM_NEWROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL,
		ifIndex, family, uint8(dst.Bits()), ip)

	if err := netlinkTransact(msg); err != nil {
		return fmt.Errorf("adding route %s via %s: %w", dst, ifName, err)
	}
	return nil
}

// RemoveRoute removes a route previously installed with AddRoute.
func RemoveRoute(ifName string, dst netip.Prefix) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	family, ip := addrFamily(dst.Masked().Addr())
	msg := buildRouteMsg(unix.RTM_DELROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK,
		ifIndex, family, uint8(dst.Bits()), ip)

	if err := netlinkTransact(msg); err != nil {
		return fmt.Errorf("removing route %s via %s: %w", dst, ifName, err)
	}
	return nil
}

// netlinkTransact opens a route socket, sends one request and waits for
// the ACK.
func netlinkTransact(msg []byte) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending netlink request: %w", err)
	}
	return readNetlinkAck(fd)
}

// interfaceIndex returns the kernel interface index for the named
// interface.
func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// addrFamily splits an address into its netlink family constant and raw
// bytes.
func addrFamily(addr netip.Addr) (uint8, []byte) {
	if addr.Is4() {
		return unix.AF_INET, addr.AsSlice()
	}
	return unix.AF_INET6, addr.AsSlice()
}

// --- Netlink message construction ---
//
// The message format is:
//   nlmsghdr | payload (ifaddrmsg/ifinfomsg/rtmsg) | attributes (rtattr...)

const (
	nlmsgHdrLen  = 16 // sizeof(nlmsghdr)
	ifaddrmsgLen = 8  // sizeof(ifaddrmsg)
	ifinfomsgLen = 16 // sizeof(ifinfomsg)
	rtmsgLen     = 12 // sizeof(rtmsg)
	rtaHdrLen    = 4  // sizeof(rtattr)
)

// buildNewAddrMsg constructs an RTM_NEWADDR netlink message.
func buildNewAddrMsg(ifIndex int32, family uint8, prefixLen uint8, addr []byte) []byte {
	// Attribute sizes: IFA_LOCAL + IFA_ADDRESS.
	addrAttrLen := rtaAlignLen(rtaHdrLen + len(addr))
	attrsLen := addrAttrLen * 2

	totalLen := nlmsgHdrLen + ifaddrmsgLen + attrsLen
	buf := make([]byte, totalLen)

	// nlmsghdr
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWADDR)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	binary.LittleEndian.PutUint32(buf[8:12], 1)  // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], 0) // nlmsg_pid

	// ifaddrmsg
	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0                      // ifa_flags
	buf[off+3] = unix.RT_SCOPE_UNIVERSE // ifa_scope
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	// IFA_LOCAL attribute
	off = nlmsgHdrLen + ifaddrmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_LOCAL)
	copy(buf[off+rtaHdrLen:], addr)

	// IFA_ADDRESS attribute
	off += addrAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_ADDRESS)
	copy(buf[off+rtaHdrLen:], addr)

	return buf
}

// buildSetLinkUpMsg constructs an RTM_NEWLINK message that sets IFF_UP.
func buildSetLinkUpMsg(ifIndex int32) []byte {
	totalLen := nlmsgHdrLen + ifinfomsgLen
	buf := make([]byte, totalLen)

	// nlmsghdr
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)  // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], 0) // nlmsg_pid

	// ifinfomsg
	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], unix.IFF_UP)  // ifi_flags
	binary.LittleEndian.PutUint32(buf[off+12:off+16], unix.IFF_UP) // ifi_change

	return buf
}

// readNetlinkAck reads and validates the netlink ACK response.
func readNetlinkAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", n)
	}

	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType == unix.NLMSG_ERROR {
		if n < nlmsgHdrLen+4 {
			return fmt.Errorf("truncated NLMSG_ERROR response")
		}
		errno := *(*int32)(unsafe.Pointer(&buf[nlmsgHdrLen]))
		if errno == 0 {
			return nil // ACK
		}
		return fmt.Errorf("netlink error: %s", unix.Errno(-errno))
	}
	return nil
}

// buildRouteMsg constructs an RTM_NEWROUTE or RTM_DELROUTE message for a
// destination prefix via the given interface, tagged with routeProtocol.
func buildRouteMsg(msgType uint16, flags uint16, ifIndex int32, family uint8, prefixLen uint8, dst []byte) []byte {
	// Attributes: RTA_DST + RTA_OIF.
	dstAttrLen := rtaAlignLen(rtaHdrLen + len(dst))
	oifAttrLen := rtaAlignLen(rtaHdrLen + 4)

	totalLen := nlmsgHdrLen + rtmsgLen + dstAttrLen + oifAttrLen
	buf := make([]byte, totalLen)

	// nlmsghdr
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)  // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], 0) // nlmsg_pid

	// rtmsg
	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0 // rtm_src_len
	buf[off+3] = 0 // rtm_tos
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = routeProtocol
	buf[off+6] = unix.RT_SCOPE_LINK
	buf[off+7] = unix.RTN_UNICAST
	binary.LittleEndian.PutUint32(buf[off+8:off+12], 0) // rtm_flags

	// RTA_DST attribute
	off = nlmsgHdrLen + rtmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(dst)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_DST)
	copy(buf[off+rtaHdrLen:], dst)

	// RTA_OIF attribute (output interface index)
	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_OIF)
	binary.LittleEndian.PutUint32(buf[off+rtaHdrLen:off+rtaHdrLen+4], uint32(ifIndex))

	return buf
}

// rtaAlignLen rounds a length up to the nearest 4-byte boundary
// (RTA_ALIGN).
func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}

// resolvConfMarker tags the lines floegate prepends to /etc/resolv.conf
// so RevertDNS removes only its own entries.
const resolvConfMarker = "# floegate sentinel resolvers"

// SetDNS points the host at the stub resolver sentinels. With
// systemd-resolved the interface gets the default routing domain "~." so
// every query flows through the sentinels; without it the sentinels are
// prepended to /etc/resolv.conf.
func SetDNS(ifName string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return nil
	}
	if _, err := exec.LookPath("resolvectl"); err == nil {
		return setDNSResolvectl(ifName, servers)
	}
	return setDNSResolvConf(servers)
}

// RevertDNS removes the DNS configuration installed by SetDNS.
func RevertDNS(ifName string) error {
	if _, err := exec.LookPath("resolvectl"); err == nil {
		cmd := exec.Command("resolvectl", "revert", ifName)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("resolvectl revert %s: %w (output: %s)",
				ifName, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return revertDNSResolvConf()
}

func setDNSResolvectl(ifName string, servers []netip.Addr) error {
	args := []string{"dns", ifName}
	for _, s := range servers {
		args = append(args, s.String())
	}
	cmd := exec.Command("resolvectl", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl dns %s: %w (output: %s)",
			ifName, err, strings.TrimSpace(string(out)))
	}

	// The default routing domain makes these resolvers authoritative for
	// everything; the sentinels decide per query what is answered
	// locally, tunnelled, or recursed upstream.
	cmd = exec.Command("resolvectl", "domain", ifName, "~.")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl domain %s: %w (output: %s)",
			ifName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func setDNSResolvConf(servers []netip.Addr) error {
	existing, err := os.ReadFile("/etc/resolv.conf")
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading /etc/resolv.conf: %w", err)
	}

	lines := []string{resolvConfMarker}
	for _, s := range servers {
		lines = append(lines, "nameserver "+s.String())
	}

	content := strings.Join(lines, "\n") + "\n" + string(existing)
	if err := os.WriteFile("/etc/resolv.conf", []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing /etc/resolv.conf: %w", err)
	}
	return nil
}

func revertDNSResolvConf() error {
	existing, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading /etc/resolv.conf: %w", err)
	}

	stripped := stripSentinelEntries(string(existing))
	if err := os.WriteFile("/etc/resolv.conf", []byte(stripped), 0o644); err != nil {
		return fmt.Errorf("writing /etc/resolv.conf: %w", err)
	}
	return nil
}

// stripSentinelEntries removes the marker line and the nameserver block
// following it, leaving unrelated resolv.conf content untouched.
func stripSentinelEntries(content string) string {
	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if line == resolvConfMarker {
			skipping = true
			continue
		}
		if skipping && strings.HasPrefix(line, "nameserver ") {
			continue
		}
		skipping = false
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
