//go:build darwin

package tunnel

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
)

// macOS has no netlink; kernel state is programmed through ifconfig and
// route. Requires root privileges.

// resolverMarker tags the /etc/resolver files floegate creates so
// RevertDNS removes only its own.
const resolverMarker = "# floegate sentinel resolvers"

// AddAddress assigns addr to the interface. utun devices are
// point-to-point, so the address doubles as the peer address.
func AddAddress(ifName string, addr netip.Prefix) error {
	if !addr.Addr().Is4() {
		// utun IPv6 configuration needs per-address route juggling that
		// the IPv4 sentinel setup does not; all tunnel-internal traffic
		// works over the IPv4 address alone.
		return fmt.Errorf("only IPv4 addresses are supported on macOS, got %s", addr)
	}

	ip := addr.Addr().String()
	subnet := addr.Masked()

	cmd := exec.Command("ifconfig", ifName, "inet", ip, ip, "netmask", maskString(addr.Bits()))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ifconfig add address %s on %s: %w (output: %s)",
			addr, ifName, err, strings.TrimSpace(string(out)))
	}

	// Point-to-point interfaces do not get a connected route for the
	// subnet; add it so the kernel routes the whole prefix through us.
	routeCmd := exec.Command("route", "-n", "add", "-net", subnet.String(), "-interface", ifName)
	if out, err := routeCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adding subnet route %s on %s: %w (output: %s)",
			subnet, ifName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// maskString renders an IPv4 prefix length as a dotted netmask.
func maskString(bits int) string {
	mask := uint32(0xffffffff) << (32 - bits)
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

// SetLinkUp brings the interface up.
func SetLinkUp(ifName string) error {
	cmd := exec.Command("ifconfig", ifName, "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ifconfig set %s up: %w (output: %s)",
			ifName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// AddRoute routes dst through the interface.
func AddRoute(ifName string, dst netip.Prefix) error {
	cmd := exec.Command("route", "-n", "add", "-net", dst.String(), "-interface", ifName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adding route %s via %s: %w (output: %s)",
			dst, ifName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveRoute removes a route previously installed with AddRoute.
func RemoveRoute(ifName string, dst netip.Prefix) error {
	cmd := exec.Command("route", "-n", "delete", "-net", dst.String(), "-interface", ifName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing route %s via %s: %w (output: %s)",
			dst, ifName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SetDNS points the host at the stub resolver sentinels via an
// /etc/resolver catch-all, macOS's split-DNS mechanism.
func SetDNS(_ string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return nil
	}

	if err := os.MkdirAll("/etc/resolver", 0o755); err != nil {
		return fmt.Errorf("creating /etc/resolver: %w", err)
	}

	var b strings.Builder
	b.WriteString(resolverMarker + "\n")
	for _, s := range servers {
		b.WriteString("nameserver " + s.String() + "\n")
	}

	// The sentinels must see every query, not just tunnel domains; the
	// stub resolver decides per query what is local and what recurses.
	if err := os.WriteFile("/etc/resolver/floegate", []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing /etc/resolver/floegate: %w", err)
	}
	return nil
}

// RevertDNS removes the resolver files created by SetDNS.
func RevertDNS(_ string) error {
	entries, err := os.ReadDir("/etc/resolver")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading /etc/resolver: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := "/etc/resolver/" + entry.Name()
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(data), resolverMarker) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
	}
	return nil
}
