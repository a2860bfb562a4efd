package detector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/srvctl/internal/pidfile"
)

func TestPIDDetectorSelf(t *testing.T) {
	d := PIDDetector{PID: os.Getpid()}
	ok, err := d.Alive()
	if err != nil || !ok {
		t.Fatalf("own pid not alive: %v %v", ok, err)
	}
	if d.Describe() == "" {
		t.Fatal("empty description")
	}
	if ok, _ := (PIDDetector{PID: 0}).Alive(); ok {
		t.Fatal("pid 0 must not be alive")
	}
}

func TestPIDFileDetector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.pid")
	d := PIDFileDetector{PIDFile: path}

	ok, err := d.Alive()
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	ok, err = d.Alive()
	if err != nil || ok {
		t.Fatalf("invalid file: ok=%v err=%v", ok, err)
	}

	if err := pidfile.Write(path, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	ok, err = d.Alive()
	if err != nil || !ok {
		t.Fatalf("live pid: ok=%v err=%v", ok, err)
	}
	if d.Describe() != "pidfile:"+path {
		t.Fatalf("describe = %q", d.Describe())
	}
}

func TestInspectSelf(t *testing.T) {
	info, err := Inspect(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid = %d", info.PID)
	}
	if runtime.GOOS == "linux" {
		if info.StartedAt.IsZero() {
			t.Fatal("start time not resolved on linux")
		}
		if time.Since(info.StartedAt) < 0 || time.Since(info.StartedAt) > 24*time.Hour {
			t.Fatalf("implausible start time %v", info.StartedAt)
		}
	}
	if info.Command == "" {
		t.Fatal("command not resolved")
	}
}

func TestInspectMissing(t *testing.T) {
	if _, err := Inspect(context.Background(), 99999999); err == nil {
		t.Fatal("expected error for missing pid")
	}
}
