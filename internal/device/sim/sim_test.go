package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

func TestMount_SlewAfterUnpark(t *testing.T) {
	ctx := context.Background()
	rig := New()
	m := rig.Mount

	if err := m.SlewTo(ctx, model.Coordinates{RAHours: 5}); err == nil {
		t.Fatal("slew on a parked mount should fail")
	}
	if err := m.Unpark(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.ParkStatus(ctx); s != device.Unparking {
		t.Errorf("first poll = %s, want UNPARKING", s)
	}
	if s, _ := m.ParkStatus(ctx); s != device.Unparked {
		t.Errorf("second poll = %s, want UNPARKED", s)
	}

	if err := m.SlewTo(ctx, model.Coordinates{RAHours: 5}); err != nil {
		t.Fatalf("SlewTo: %v", err)
	}
	if s, _ := m.SlewStatus(ctx); s != device.SlewBusy {
		t.Errorf("slew status = %s, want BUSY", s)
	}
	if s, _ := m.SlewStatus(ctx); s != device.SlewOK {
		t.Errorf("slew status = %s, want OK", s)
	}
}

func TestFocuser_FailNext(t *testing.T) {
	ctx := context.Background()
	rig := New()
	rig.Latency = 0
	rig.Focuser.FailNext = 1

	want := []device.ProcessStatus{device.ProcessFailed, device.ProcessComplete}
	for i, w := range want {
		if err := rig.Focuser.Start(ctx); err != nil {
			t.Fatal(err)
		}
		if got, _ := rig.Focuser.Status(ctx); got != w {
			t.Errorf("run %d status = %s, want %s", i, got, w)
		}
	}
}

func TestCapture_RecordsFrames(t *testing.T) {
	ctx := context.Background()
	rig := New()
	rig.Latency = 0

	path := filepath.Join(t.TempDir(), "seq.yaml")
	doc := "version: 1\nitems:\n  - count: 3\n    exposure: 10\n    filter: L\n    type: Light\n    dir: /data\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	c := rig.Capture
	if err := c.LoadSequence(ctx, path); err != nil {
		t.Fatal(err)
	}
	c.SetTargetName(ctx, "M42")
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := c.Status(ctx); s != device.CaptureComplete {
		t.Fatalf("status = %s, want Complete", s)
	}

	seq, _ := sequence.Load(path)
	n, _ := rig.Frames.Count(sequence.Signature(seq.Items[0], "M42"), "")
	if n != 3 {
		t.Errorf("frames recorded = %d, want 3", n)
	}
}

func TestRig_LoseConnection(t *testing.T) {
	ctx := context.Background()
	rig := New()
	rig.Latency = 0

	if err := rig.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := rig.Connected(ctx); !ok {
		t.Fatal("not connected")
	}

	rig.LoseConnection()
	if _, err := rig.Capture.Status(ctx); !errors.Is(err, device.ErrDisconnected) {
		t.Errorf("Status error = %v, want ErrDisconnected", err)
	}
	if _, err := rig.Weather.Status(ctx); !device.IsDisconnected(err) {
		t.Errorf("Weather error = %v, want ErrDisconnected", err)
	}
}
