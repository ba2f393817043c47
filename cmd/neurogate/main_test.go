package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/pkg/runtime"
	"github.com/MrWong99/neurogate/pkg/runtime/mock"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestTools_Table(t *testing.T) {
	t.Parallel()
	out, err := run(t, "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if !strings.HasPrefix(out, "TOOL") {
		t.Errorf("missing header:\n%s", out)
	}
	for _, id := range catalog.AllTools() {
		if !strings.Contains(out, id.String()) {
			t.Errorf("tool %s missing from listing", id)
		}
	}
}

func TestTools_JSONWithOverrides(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "neurogate.yaml")
	err := os.WriteFile(path, []byte(`
tools:
  brain-extraction:
    image: registry.local/fsl:6.0.7
    timeout: 5m
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--config", path, "tools", "--json")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	var entries []toolEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(entries) != len(catalog.AllTools()) {
		t.Fatalf("got %d entries, want %d", len(entries), len(catalog.AllTools()))
	}
	for _, e := range entries {
		if e.Name != "brain-extraction" {
			continue
		}
		if e.Image != "registry.local/fsl:6.0.7" || e.Timeout != "5m0s" {
			t.Errorf("override not applied: %+v", e)
		}
		return
	}
	t.Error("brain-extraction not listed")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "tools")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want a not found error", err)
	}
}

func TestReapWith(t *testing.T) {
	t.Parallel()
	newRuntime := func() *mock.Runtime {
		rt := mock.New()
		rt.AddContainer(runtime.ContainerInfo{ID: "a",
			Labels: map[string]string{runtime.LabelRequestID: "r1", runtime.LabelInstance: "lab-1"}})
		rt.AddContainer(runtime.ContainerInfo{ID: "b",
			Labels: map[string]string{runtime.LabelRequestID: "r2", runtime.LabelInstance: "lab-2"}})
		rt.AddContainer(runtime.ContainerInfo{ID: "c", Running: true,
			Labels: map[string]string{runtime.LabelRequestID: "r3", runtime.LabelInstance: "lab-1"}})
		return rt
	}
	tests := []struct {
		name  string
		force bool
		want  string
		live  bool
	}{
		{name: "running containers kept", force: false, want: "reaped 1 ", live: true},
		{name: "force", force: true, want: "reaped 2 ", live: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := newRuntime()
			var out bytes.Buffer
			mgr := execution.NewManager(rt, execution.Config{Instance: "lab-1"})
			if err := reapWith(context.Background(), &out, mgr, tt.force); err != nil {
				t.Fatalf("reap: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
			for _, c := range rt.Containers() {
				if c.Info.ID == "c" && c.Removed == tt.live {
					t.Errorf("running container removed = %v, want %v", c.Removed, !tt.live)
				}
			}
		})
	}
}

func TestServe_RejectsArgs(t *testing.T) {
	t.Parallel()
	if _, err := run(t, "serve", "extra"); err == nil {
		t.Error("serve accepted a positional argument")
	}
}
