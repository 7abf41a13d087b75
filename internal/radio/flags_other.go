//go:build !linux

package radio

import "errors"

const (
	flagUp      = 0x1
	flagRunning = 0x40
)

var interfaceFlags = func(string) (uint16, error) {
	return 0, errors.New("interface flags not supported on this platform")
}
