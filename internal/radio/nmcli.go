// Package radio implements link.Radio on top of NetworkManager (nmcli) and an
// in-memory simulator.
package radio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/link"
	"github.com/kstaniek/go-apa102-server/internal/logging"
)

var (
	ErrNoInterface = errors.New("wireless interface not found")
	ErrCommand     = errors.New("nmcli failed")
	ErrNoAddress   = errors.New("no ipv4 address")
)

// runCmd executes a command and returns combined output. Replaced in tests.
var runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// interfaceAddrs lists addresses of an interface. Replaced in tests.
var interfaceAddrs = func(name string) ([]net.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return ifi.Addrs()
}

// NMCLI drives a wireless interface through NetworkManager's command line.
type NMCLI struct {
	Iface  string
	Binary string // defaults to "nmcli"
	Probe  Prober // optional reachability check on top of interface flags
	Logger *slog.Logger
}

var _ link.Radio = (*NMCLI)(nil)

func (n *NMCLI) bin() string {
	if n.Binary == "" {
		return "nmcli"
	}
	return n.Binary
}

func (n *NMCLI) log() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return logging.L()
}

func (n *NMCLI) run(ctx context.Context, args ...string) error {
	out, err := runCmd(ctx, n.bin(), args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrCommand, args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BringUp verifies the interface exists and switches the wifi radio on.
func (n *NMCLI) BringUp(ctx context.Context) error {
	if _, err := interfaceFlags(n.Iface); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoInterface, n.Iface, err)
	}
	return n.run(ctx, "radio", "wifi", "on")
}

// EnableStationMode hands the interface to NetworkManager as a client device.
func (n *NMCLI) EnableStationMode(ctx context.Context) error {
	return n.run(ctx, "device", "set", n.Iface, "managed", "yes")
}

// Connect associates with ssid. The remaining ctx deadline is forwarded to
// nmcli's own --wait so both give up together.
func (n *NMCLI) Connect(ctx context.Context, ssid, credential string, auth link.AuthMode) error {
	return n.run(ctx, connectArgs(ctx, n.Iface, ssid, credential, auth)...)
}

func connectArgs(ctx context.Context, iface, ssid, credential string, auth link.AuthMode) []string {
	var args []string
	if dl, ok := ctx.Deadline(); ok {
		secs := int(math.Ceil(time.Until(dl).Seconds()))
		if secs < 1 {
			secs = 1
		}
		args = append(args, "--wait", strconv.Itoa(secs))
	}
	args = append(args, "device", "wifi", "connect", ssid, "ifname", iface)
	if auth != link.AuthOpen && credential != "" {
		args = append(args, "password", credential)
	}
	return args
}

// LinkStatus reports up when the interface is UP and RUNNING, holds an IPv4
// address and, if configured, the probe succeeds.
func (n *NMCLI) LinkStatus(ctx context.Context) (bool, error) {
	flags, err := interfaceFlags(n.Iface)
	if err != nil {
		return false, err
	}
	if flags&flagUp == 0 || flags&flagRunning == 0 {
		return false, nil
	}
	if _, err := ipv4(n.Iface); err != nil {
		return false, nil
	}
	if n.Probe != nil {
		if err := n.Probe.Probe(ctx); err != nil {
			n.log().Debug("link_probe_failed", "iface", n.Iface, "error", err)
			return false, nil
		}
	}
	return true, nil
}

// LocalAddress returns the interface's first IPv4 address or "".
func (n *NMCLI) LocalAddress() string {
	ip, err := ipv4(n.Iface)
	if err != nil {
		return ""
	}
	return ip.String()
}

func ipv4(iface string) (net.IP, error) {
	addrs, err := interfaceAddrs(iface)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, ErrNoAddress
}
