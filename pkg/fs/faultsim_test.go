package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_CrashSimulator_Crash_Discards_Bytes_Written_After_Last_Sync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	sim := NewCrashSimulator(NewReal())

	f, err := sim.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.Write([]byte("durable")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := f.Write([]byte("-lost-after-crash")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := sim.Crash(); err != nil {
		t.Fatalf("crash: %v", err)
	}

	got, err := sim.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "durable" {
		t.Fatalf("got=%q, want=%q", got, "durable")
	}
}

func Test_FaultInjector_TornWrite_Shortens_Write(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	inj := NewFaultInjector(NewReal(), 42)
	inj.SetTornWriteProbability(1.0)

	f, err := inj.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	n, err := f.Write([]byte("0123456789"))
	if err == nil {
		t.Fatalf("expected a torn-write error, got nil (n=%d)", n)
	}
	if n >= 10 {
		t.Fatalf("torn write should write fewer than 10 bytes, wrote %d", n)
	}
}
