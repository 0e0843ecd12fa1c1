// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/creachadair/messenger"
	"github.com/creachadair/messenger/peers"
	"github.com/fortytw2/leaktest"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc, err := peers.NewLocal(&messenger.Options{BackoffUnit: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	dir := loc.Dir

	var got string
	if _, err := loc.A.AddNotifyCallback("sink", func(tag uint16, data []byte) {
		got = string(data)
	}); err != nil {
		t.Fatalf("AddNotifyCallback: %v", err)
	}
	if err := loc.B.Send("sink", 1, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := loc.Pump(ctx, func() bool { return got != "" }); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if got != "hello" {
		t.Errorf("Received %q, want %q", got, "hello")
	}

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Working directory still exists after Stop: %v", err)
	}
}

func TestPumpTimeout(t *testing.T) {
	loc, err := peers.NewLocal(nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if err := loc.Pump(ctx, func() bool { return false }); err == nil {
		t.Error("Pump: got nil, want error")
	}
}
