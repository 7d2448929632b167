package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlattenStatus(t *testing.T) {
	var status interface{}
	if err := json.Unmarshal([]byte(`{
		"device": {"vendor": "LPO Queneau", "product": "Accessctl"},
		"angle": 12.5,
		"moving": 1,
		"open_cmd": false,
		"counter": 300,
		"history": [1, 2]
	}`), &status); err != nil {
		t.Fatal(err)
	}
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	tags := splitTags(fields)

	wantFields := map[string]interface{}{
		"angle":     12.5,
		"moving":    1.0,
		"open_cmd":  false,
		"counter":   300.0,
		"history.0": 1.0,
		"history.1": 2.0,
	}
	if diff := cmp.Diff(fields, wantFields); diff != "" {
		t.Errorf("unexpected fields: got(-)/want(+):\n%s", diff)
	}
	wantTags := map[string]string{
		"device.vendor":  "LPO Queneau",
		"device.product": "Accessctl",
	}
	if diff := cmp.Diff(tags, wantTags); diff != "" {
		t.Errorf("unexpected tags: got(-)/want(+):\n%s", diff)
	}
}

type countingCloser struct{ n int32 }

func (c *countingCloser) Close() error {
	atomic.AddInt32(&c.n, 1)
	return nil
}

func TestCloseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var c countingCloser
	closeOnCancel(ctx, &c)()
	cancel()
	if n := atomic.LoadInt32(&c.n); n != 0 {
		t.Errorf("closed %d times after stop, want 0", n)
	}

	ctx, cancel = context.WithCancel(context.Background())
	stop := closeOnCancel(ctx, &c)
	cancel()
	stop()
	if n := atomic.LoadInt32(&c.n); n != 1 {
		t.Errorf("closed %d times after cancel, want 1", n)
	}
}
