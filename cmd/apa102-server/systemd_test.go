package main

import (
	"errors"
	"testing"
)

func TestNotifySystemd(t *testing.T) {
	var states []string
	orig := sdNotify
	sdNotify = func(unsetEnv bool, state string) (bool, error) {
		states = append(states, state)
		if state == "STOPPING=1" {
			return false, errors.New("socket gone")
		}
		return true, nil
	}
	t.Cleanup(func() { sdNotify = orig })

	notifySystemd("READY=1", quietLogger())
	notifySystemd("STOPPING=1", quietLogger())
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Fatalf("unexpected notifications %v", states)
	}
}

func TestListenPort(t *testing.T) {
	cases := map[string]int{
		"[::]:4242":      4242,
		"127.0.0.1:5000": 5000,
		"garbage":        0,
	}
	for in, want := range cases {
		if got := listenPort(in); got != want {
			t.Fatalf("listenPort(%q) = %d, want %d", in, got, want)
		}
	}
}
