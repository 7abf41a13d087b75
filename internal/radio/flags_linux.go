//go:build linux

package radio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	flagUp      = unix.IFF_UP
	flagRunning = unix.IFF_RUNNING
)

// interfaceFlags reads SIOCGIFFLAGS for name. Replaced in tests.
var interfaceFlags = func(name string) (uint16, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
	}
	return ifr.Uint16(), nil
}
