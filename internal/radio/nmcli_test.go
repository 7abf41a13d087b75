package radio

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/link"
)

type call struct {
	name string
	args []string
}

func stubRunner(t *testing.T, fail string) *[]call {
	t.Helper()
	var calls []call
	orig := runCmd
	runCmd = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, call{name, args})
		if fail != "" && slices.Contains(args, fail) {
			return []byte("Error: No network with SSID 'lab' found."), errors.New("exit status 10")
		}
		return nil, nil
	}
	t.Cleanup(func() { runCmd = orig })
	return &calls
}

func stubIface(t *testing.T, flags uint16, flagErr error, addrs ...net.Addr) {
	t.Helper()
	origF, origA := interfaceFlags, interfaceAddrs
	interfaceFlags = func(string) (uint16, error) { return flags, flagErr }
	interfaceAddrs = func(string) ([]net.Addr, error) { return addrs, nil }
	t.Cleanup(func() { interfaceFlags, interfaceAddrs = origF, origA })
}

func ipNet(s string) net.Addr {
	ip, n, _ := net.ParseCIDR(s)
	n.IP = ip
	return n
}

func TestConnectArgs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	got := strings.Join(connectArgs(ctx, "wlan0", "lab", "secret", link.AuthWPA2PSK), " ")
	want := "--wait 60 device wifi connect lab ifname wlan0 password secret"
	if got != want {
		t.Fatalf("args %q want %q", got, want)
	}
	got = strings.Join(connectArgs(context.Background(), "wlan0", "cafe", "ignored", link.AuthOpen), " ")
	if got != "device wifi connect cafe ifname wlan0" {
		t.Fatalf("open network args %q", got)
	}
}

func TestConnectFailureWrapped(t *testing.T) {
	stubRunner(t, "connect")
	n := &NMCLI{Iface: "wlan0"}
	err := n.Connect(context.Background(), "lab", "x", link.AuthWPA2PSK)
	if !errors.Is(err, ErrCommand) || !strings.Contains(err.Error(), "No network") {
		t.Fatalf("expected wrapped nmcli error, got %v", err)
	}
}

func TestBringUpMissingInterface(t *testing.T) {
	calls := stubRunner(t, "")
	stubIface(t, 0, errors.New("no such device"))
	n := &NMCLI{Iface: "wlan9"}
	if err := n.BringUp(context.Background()); !errors.Is(err, ErrNoInterface) {
		t.Fatalf("expected ErrNoInterface, got %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("nmcli must not run without an interface")
	}
}

func TestBringUpAndStationMode(t *testing.T) {
	calls := stubRunner(t, "")
	stubIface(t, flagUp, nil)
	n := &NMCLI{Iface: "wlan0"}
	if err := n.BringUp(context.Background()); err != nil {
		t.Fatalf("bring up: %v", err)
	}
	if err := n.EnableStationMode(context.Background()); err != nil {
		t.Fatalf("station: %v", err)
	}
	if len(*calls) != 2 || (*calls)[0].name != "nmcli" || strings.Join((*calls)[1].args, " ") != "device set wlan0 managed yes" {
		t.Fatalf("unexpected calls %+v", *calls)
	}
}

func TestLinkStatusFlags(t *testing.T) {
	cases := []struct {
		name  string
		flags uint16
		addrs []net.Addr
		want  bool
	}{
		{"down", 0, []net.Addr{ipNet("192.168.1.5/24")}, false},
		{"up not running", flagUp, []net.Addr{ipNet("192.168.1.5/24")}, false},
		{"running no address", flagUp | flagRunning, nil, false},
		{"ipv6 only", flagUp | flagRunning, []net.Addr{ipNet("fe80::1/64")}, false},
		{"joined", flagUp | flagRunning, []net.Addr{ipNet("fe80::1/64"), ipNet("192.168.1.5/24")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stubIface(t, tc.flags, nil, tc.addrs...)
			n := &NMCLI{Iface: "wlan0"}
			up, err := n.LinkStatus(context.Background())
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if up != tc.want {
				t.Fatalf("up=%v want %v", up, tc.want)
			}
		})
	}
}

type probeFunc func(context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

func TestLinkStatusProbe(t *testing.T) {
	stubIface(t, flagUp|flagRunning, nil, ipNet("10.1.2.3/16"))
	n := &NMCLI{Iface: "wlan0", Probe: probeFunc(func(context.Context) error { return ErrProbe })}
	if up, _ := n.LinkStatus(context.Background()); up {
		t.Fatalf("failed probe should report down")
	}
	if got := n.LocalAddress(); got != "10.1.2.3" {
		t.Fatalf("local address %q", got)
	}
}

func TestSimDrop(t *testing.T) {
	s := &Sim{Addr: "10.0.0.7"}
	if s.LocalAddress() != "" {
		t.Fatalf("address before join")
	}
	_ = s.Connect(context.Background(), "lab", "", link.AuthOpen)
	if up, _ := s.LinkStatus(context.Background()); !up || s.LocalAddress() != "10.0.0.7" {
		t.Fatalf("sim not joined")
	}
	s.Drop()
	if up, _ := s.LinkStatus(context.Background()); up {
		t.Fatalf("sim still joined after drop")
	}
}
