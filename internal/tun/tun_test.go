package tun

import (
	"os"
	"testing"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

func TestPointToPoint(t *testing.T) {
	ns := &config.VpnNetworkState{
		IPv4:      "192.168.99.2",
		IPv4Local: "192.168.99.1",
		IPv6:      "fd00::2",
		IPv6Local: "fd00::1",
	}
	addrs, err := PointToPoint(ns)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if got := addrs[0].IPNet.String(); got != "192.168.99.1/32" {
		t.Errorf("v4 local = %s", got)
	}
	if got := addrs[0].Peer.String(); got != "192.168.99.2/32" {
		t.Errorf("v4 peer = %s", got)
	}
	if got := addrs[1].Peer.String(); got != "fd00::2/128" {
		t.Errorf("v6 peer = %s", got)
	}

	if _, err := PointToPoint(&config.VpnNetworkState{}); err == nil {
		t.Error("state without addresses accepted")
	}
	if _, err := PointToPoint(&config.VpnNetworkState{IPv4: "x", IPv4Local: "10.0.0.1"}); err == nil {
		t.Error("bad peer accepted")
	}
}

func TestLinuxCreate(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating tun devices requires root")
	}
	if _, err := os.Stat("/dev/net/tun"); err != nil {
		t.Skip("no /dev/net/tun")
	}

	ns := &config.VpnNetworkState{
		Name:      "tvtest",
		IPv4:      "10.250.0.2",
		IPv4Local: "10.250.0.1",
		MTU:       1400,
	}
	dev, err := Linux{}.Create(ns, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer dev.Close()

	if ns.Name != dev.Name() || ns.Name == "tvtest" {
		t.Errorf("name = %q, device = %q", ns.Name, dev.Name())
	}
	if _, err := dev.File(); err != nil {
		t.Errorf("File: %v", err)
	}
	if err := dev.SetMTU(1300); err != nil {
		t.Errorf("SetMTU: %v", err)
	}
}
