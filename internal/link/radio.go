package link

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AuthMode selects the association security.
type AuthMode string

const (
	AuthOpen    AuthMode = "open"
	AuthWPA2PSK AuthMode = "wpa2-psk"
	AuthWPA3SAE AuthMode = "wpa3-sae"
)

// ParseAuthMode accepts the config spellings of an AuthMode.
func ParseAuthMode(s string) (AuthMode, error) {
	switch m := AuthMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthOpen, AuthWPA2PSK, AuthWPA3SAE:
		return m, nil
	case "":
		return AuthWPA2PSK, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", s)
	}
}

// Radio is the wireless capability the supervisor drives. Connect is bounded
// by ctx, which carries the per-attempt timeout.
type Radio interface {
	BringUp(ctx context.Context) error
	EnableStationMode(ctx context.Context) error
	Connect(ctx context.Context, ssid, credential string, auth AuthMode) error
	LinkStatus(ctx context.Context) (bool, error)
	LocalAddress() string
}

// RetryPolicy bounds a single join cycle.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 2s apart, 60s each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second, Timeout: 60 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}
