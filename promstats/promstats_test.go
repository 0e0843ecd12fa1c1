// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package promstats_test

import (
	"expvar"
	"strings"
	"testing"

	"github.com/creachadair/messenger/promstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister(t *testing.T) {
	var sent, pending expvar.Int
	m := new(expvar.Map)
	m.Set("frames_sent", &sent)
	m.Set("transactions_pending", &pending)
	m.Set("label", new(expvar.String)) // skipped

	reg := prometheus.NewPedanticRegistry()
	opts := promstats.Options{
		Namespace: "msgq",
		Gauges:    []string{"transactions_pending"},
	}
	if err := promstats.Register(reg, m, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sent.Add(5)
	pending.Set(2)

	const want = `
# HELP msgq_frames_sent_total Value of metric "frames_sent".
# TYPE msgq_frames_sent_total counter
msgq_frames_sent_total 5
# HELP msgq_transactions_pending Value of metric "transactions_pending".
# TYPE msgq_transactions_pending gauge
msgq_transactions_pending 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Errorf("GatherAndCompare: %v", err)
	}

	// The values track the underlying variables.
	pending.Set(0)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(want,
		"msgq_transactions_pending 2", "msgq_transactions_pending 0", 1))); err != nil {
		t.Errorf("GatherAndCompare after update: %v", err)
	}

	// Registering the same names again fails and leaves nothing behind.
	if err := promstats.Register(reg, m, opts); err == nil {
		t.Error("Duplicate Register: got nil, want error")
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 2 {
		t.Errorf("GatherAndCount: got %d, %v; want 2, nil", n, err)
	}
}

func TestCollectors(t *testing.T) {
	m := new(expvar.Map)
	m.Set("a", new(expvar.Int))
	m.Set("b", new(expvar.Int))
	m.Set("c", new(expvar.Float))

	cs := promstats.Collectors(m, promstats.Options{Subsystem: "test"})
	if len(cs) != 2 {
		t.Fatalf("Collectors: got %d, want 2", len(cs))
	}
	for _, c := range cs {
		if n := testutil.CollectAndCount(c); n != 1 {
			t.Errorf("CollectAndCount: got %d, want 1", n)
		}
	}
}
