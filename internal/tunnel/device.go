// Package tunnel owns the host TUN device: creation via wireguard-go's
// tun package, packet pumping, and the kernel state (addresses, routes,
// DNS) pushed through the platform netconf helpers in this package.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"runtime"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU leaves room for the Noise transport overhead and a TURN
// channel-data header inside a 1500-byte path.
const DefaultMTU = 1280

// packetOffset is the headroom wireguard-go's tun implementations expect
// in front of each packet buffer.
const packetOffset = 16

// DefaultName returns the platform's default interface name. macOS
// auto-assigns the next free utun.
func DefaultName() string {
	if runtime.GOOS == "darwin" {
		return "utun"
	}
	return "floegate0"
}

// Device wraps a kernel TUN device and implements the agent's TunDevice
// dependency.
type Device struct {
	dev  tun.Device
	name string
	mtu  int
	log  *slog.Logger

	packets chan []byte

	mu        sync.Mutex
	addrsSet  bool
	routes    map[netip.Prefix]struct{}
	dnsActive bool

	closeOnce sync.Once
}

// Open creates the TUN device and starts the read pump. Requires
// CAP_NET_ADMIN (Linux) or root (macOS).
func Open(name string, mtu int, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = DefaultName()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", name, err)
	}
	actual, err := dev.Name()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("reading TUN device name: %w", err)
	}

	d := &Device{
		dev:     dev,
		name:    actual,
		mtu:     mtu,
		log:     logger.With("component", "tunnel", "ifname", actual),
		packets: make(chan []byte, 128),
		routes:  make(map[netip.Prefix]struct{}),
	}
	go d.readLoop()

	d.log.Info("TUN device created")
	return d, nil
}

// Name returns the actual interface name, which the OS may have changed.
func (d *Device) Name() string { return d.name }

// Packets delivers packets read from the TUN device. The channel closes
// when the device does.
func (d *Device) Packets() <-chan []byte { return d.packets }

func (d *Device) readLoop() {
	defer close(d.packets)

	batch := d.dev.BatchSize()
	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = make([]byte, packetOffset+d.mtu)
	}

	for {
		n, err := d.dev.Read(bufs, sizes, packetOffset)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				d.log.Error("TUN read failed", "error", err)
			}
			return
		}
		for i := 0; i < n; i++ {
			packet := make([]byte, sizes[i])
			copy(packet, bufs[i][packetOffset:packetOffset+sizes[i]])
			d.packets <- packet
		}
	}
}

// Write hands one IP packet to the kernel.
func (d *Device) Write(packet []byte) error {
	buf := make([]byte, packetOffset+len(packet))
	copy(buf[packetOffset:], packet)
	if _, err := d.dev.Write([][]byte{buf}, packetOffset); err != nil {
		return fmt.Errorf("writing to TUN: %w", err)
	}
	return nil
}

// SetAddresses assigns the tunnel addresses and brings the link up.
func (d *Device) SetAddresses(v4, v6 netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addrsSet {
		return nil
	}

	if v4.IsValid() {
		if err := AddAddress(d.name, netip.PrefixFrom(v4, 32)); err != nil {
			return err
		}
	}
	if v6.IsValid() && runtime.GOOS != "darwin" {
		if err := AddAddress(d.name, netip.PrefixFrom(v6, 128)); err != nil {
			return err
		}
	}
	if err := SetLinkUp(d.name); err != nil {
		return err
	}
	d.addrsSet = true
	return nil
}

// SetRoutes reconciles the kernel routes against the desired set.
func (d *Device) SetRoutes(routes []netip.Prefix) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	desired := make(map[netip.Prefix]struct{}, len(routes))
	for _, r := range routes {
		desired[r] = struct{}{}
	}

	var firstErr error
	for r := range d.routes {
		if _, keep := desired[r]; keep {
			continue
		}
		if err := RemoveRoute(d.name, r); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.routes, r)
	}
	for r := range desired {
		if _, have := d.routes[r]; have {
			continue
		}
		if err := AddRoute(d.name, r); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.routes[r] = struct{}{}
	}
	return firstErr
}

// SetDNS points the host at the stub resolver sentinels.
func (d *Device) SetDNS(servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := SetDNS(d.name, servers); err != nil {
		return err
	}
	d.dnsActive = true
	return nil
}

// Close reverts DNS, tears the device down and stops the pump.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.dnsActive {
			if rerr := RevertDNS(d.name); rerr != nil {
				d.log.Warn("reverting DNS failed", "error", rerr)
			}
		}
		d.mu.Unlock()
		err = d.dev.Close()
	})
	return err
}
