package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/journal"
	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/result"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/validate"
	"github.com/MrWong99/neurogate/internal/workspace"
	"github.com/MrWong99/neurogate/pkg/runtime"
	"github.com/MrWong99/neurogate/pkg/runtime/mock"
)

type harness struct {
	g    *Gateway
	rt   *mock.Runtime
	ws   *workspace.Manager
	sess workspace.Session
}

func newHarness(t *testing.T, behavior mock.Behavior, opts ...catalog.Option) *harness {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := ws.EnsureSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"t1.nii.gz", "mni152.nii.gz"} {
		if err := os.WriteFile(filepath.Join(sess.Root, name), []byte("nifti"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	v, err := validate.New(ws)
	if err != nil {
		t.Fatal(err)
	}

	reg := catalog.Default(opts...)
	rt := mock.New()
	for _, d := range reg.All() {
		rt.AddImage(d.Image)
	}
	rt.Behavior = behavior
	mgr := execution.NewManager(rt, execution.Config{
		MaxConcurrent: 4,
		GracePeriod:   50 * time.Millisecond,
		Instance:      "test",
	}, execution.WithMetrics(met))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	g := New(reg, ws, v, mgr, WithMetrics(met), WithJournal(journal.NewMemory()))
	return &harness{g: g, rt: rt, ws: ws, sess: sess}
}

func workspaceOf(spec runtime.LaunchSpec) string {
	for _, m := range spec.Mounts {
		if m.Target == catalog.ContainerWorkspace {
			return m.Source
		}
	}
	return ""
}

func writeOutputs(spec runtime.LaunchSpec, names ...string) {
	root := workspaceOf(spec)
	for _, n := range names {
		p := filepath.Join(root, n)
		_ = os.MkdirAll(filepath.Dir(p), 0o755)
		_ = os.WriteFile(p, []byte("volume"), 0o644)
	}
}

// produce writes names into the workspace and exits 0.
func produce(names ...string) mock.Behavior {
	return func(_ context.Context, spec runtime.LaunchSpec) runtime.Exit {
		writeOutputs(spec, names...)
		return runtime.Exit{}
	}
}

// produceThenBlock writes names, then runs until release is closed or the
// container is signalled.
func produceThenBlock(release <-chan struct{}, names ...string) mock.Behavior {
	return func(ctx context.Context, spec runtime.LaunchSpec) runtime.Exit {
		writeOutputs(spec, names...)
		select {
		case <-release:
			return runtime.Exit{}
		case <-ctx.Done():
			return runtime.Exit{Code: 143}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func betRequest(id string) Request {
	return Request{
		Tool:      "brain-extraction",
		SessionID: "s1",
		RequestID: id,
		Params:    map[string]any{"input_file": "t1.nii.gz", "fractional_intensity": 0.5},
	}
}

var betOutputs = []string{"brain_extracted.nii.gz", "brain_extracted_mask.nii.gz"}

func TestInvoke_BrainExtractionSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, produce(betOutputs...))

	res, err := h.g.Invoke(context.Background(), betRequest(""))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != result.Success {
		t.Fatalf("Status = %v, Error = %v", res.Status, res.Error)
	}
	if res.RequestID == "" {
		t.Error("no request id was generated")
	}
	info, err := os.Stat(filepath.Join(h.sess.Root, "brain_extracted.nii.gz"))
	if err != nil || info.Size() == 0 {
		t.Fatalf("extracted volume missing or empty: %v", err)
	}

	files, err := h.g.ListWorkspace("s1")
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, f := range files {
		names[f.Name] = true
	}
	for _, want := range append([]string{"t1.nii.gz"}, betOutputs...) {
		if !names[want] {
			t.Errorf("ListWorkspace is missing %s: %v", want, files)
		}
	}

	c := h.rt.Containers()[0]
	if c.Spec.Labels[runtime.LabelRequestID] != res.RequestID {
		t.Errorf("container label = %q, want %q", c.Spec.Labels[runtime.LabelRequestID], res.RequestID)
	}
}

func TestInvoke_RejectsBeforeAnyContainer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		req   Request
		want  error
		param string
	}{
		{
			name: "intensity out of range",
			req: Request{Tool: "brain-extraction", SessionID: "s1",
				Params: map[string]any{"input_file": "t1.nii.gz", "fractional_intensity": 1.5}},
			want:  toolerr.ErrValidation,
			param: "fractional_intensity",
		},
		{
			name: "missing reference file",
			req: Request{Tool: "linear-registration", SessionID: "s1",
				Params: map[string]any{"input_file": "t1.nii.gz", "reference_file": "missing.nii.gz"}},
			want:  toolerr.ErrValidation,
			param: "reference_file",
		},
		{
			name: "unknown tool",
			req:  Request{Tool: "skull-strip-deluxe", SessionID: "s1"},
			want: toolerr.ErrNotFound,
		},
		{
			name: "input escapes the workspace",
			req: Request{Tool: "brain-extraction", SessionID: "s1",
				Params: map[string]any{"input_file": "../../etc/passwd"}},
			want:  toolerr.ErrPathEscape,
			param: "input_file",
		},
		{
			name:  "unsafe session id",
			req:   Request{Tool: "brain-extraction", SessionID: "../s1", Params: map[string]any{"input_file": "t1.nii.gz"}},
			want:  toolerr.ErrValidation,
			param: "session_id",
		},
		{
			name:  "unsafe request id",
			req:   Request{Tool: "brain-extraction", SessionID: "s1", RequestID: "a/b", Params: map[string]any{"input_file": "t1.nii.gz"}},
			want:  toolerr.ErrValidation,
			param: "request_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, produce(betOutputs...))
			res, err := h.g.Invoke(context.Background(), tt.req)
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.param != "" {
				found := false
				for _, v := range toolerr.As(err).Violations {
					found = found || v.Param == tt.param
				}
				if !found {
					t.Errorf("violations %v do not name %s", toolerr.As(err).Violations, tt.param)
				}
			}
			if n := len(h.rt.Containers()); n != 0 {
				t.Errorf("%d containers created, want 0", n)
			}
		})
	}
}

func TestInvoke_TimeoutLeavesNoPartialOutputs(t *testing.T) {
	t.Parallel()
	partial := func(ctx context.Context, spec runtime.LaunchSpec) runtime.Exit {
		writeOutputs(spec, "sub01/mri/brain.mgz")
		select {
		case <-time.After(10 * time.Second):
			return runtime.Exit{}
		case <-ctx.Done():
			return runtime.Exit{Code: 143}
		}
	}
	h := newHarness(t, partial)

	start := time.Now()
	res, err := h.g.Invoke(context.Background(), Request{
		Tool:      "cortical-reconstruction",
		SessionID: "s1",
		Params:    map[string]any{"input_file": "t1.nii.gz", "subject_id": "sub01"},
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != result.TimedOut {
		t.Fatalf("Status = %v, want TimedOut", res.Status)
	}
	if !errors.Is(res.Error, toolerr.ErrExecutionTimeout) {
		t.Errorf("Error = %v, want ExecutionTimeout", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke took %v", elapsed)
	}

	files, err := h.g.ListWorkspace("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if f.Name != "t1.nii.gz" && f.Name != "mni152.nii.gz" {
			t.Errorf("partial output %s left in workspace", f.Name)
		}
	}
	if _, err := os.Stat(filepath.Join(h.sess.Root, "sub01")); !os.IsNotExist(err) {
		t.Errorf("subject directory still on disk: %v", err)
	}
}

func TestInvoke_DefaultTimeoutApplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, produceThenBlock(make(chan struct{}), betOutputs...))
	g := New(h.g.reg, h.ws, h.g.validator, h.g.mgr,
		WithMetrics(h.g.metrics),
		WithDefaultTimeout(300*time.Millisecond),
	)

	res, err := g.Invoke(context.Background(), betRequest(""))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != result.TimedOut {
		t.Errorf("Status = %v, want TimedOut", res.Status)
	}
}

func TestInvoke_SameKeyRunsSequentially(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, produceThenBlock(release, betOutputs...))

	var wg sync.WaitGroup
	results := make([]*result.ExecutionResult, 2)
	for i, id := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.g.Invoke(context.Background(), betRequest(id))
			if err != nil {
				t.Errorf("Invoke(%s): %v", id, err)
				return
			}
			results[i] = res
		}()
		if i == 0 {
			waitFor(t, "first container", func() bool { return h.rt.Live() == 1 })
		}
	}
	waitFor(t, "second request admitted", func() bool {
		running, _ := h.g.mgr.Stats()
		return running == 2
	})
	// The second request holds a slot but must not launch yet.
	time.Sleep(20 * time.Millisecond)
	if n := len(h.rt.Containers()); n != 1 {
		t.Fatalf("%d containers launched while the key was held, want 1", n)
	}

	close(release)
	wg.Wait()
	for i, res := range results {
		if res == nil || res.Status != result.Success {
			t.Fatalf("result %d = %+v", i, res)
		}
	}
	cs := h.rt.Containers()
	if len(cs) != 2 {
		t.Fatalf("got %d containers, want 2", len(cs))
	}
	if cs[1].Started.Before(cs[0].Finished) {
		t.Errorf("second launched at %v before first finished at %v", cs[1].Started, cs[0].Finished)
	}
}

func TestInvoke_ClaimedOutputsHiddenWhileRunning(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, produceThenBlock(release, betOutputs...))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.g.Invoke(context.Background(), betRequest("r1"))
	}()
	waitFor(t, "outputs written", func() bool {
		_, err := os.Stat(filepath.Join(h.sess.Root, betOutputs[1]))
		return err == nil
	})
	if err := h.ws.Refresh("s1"); err != nil {
		t.Fatal(err)
	}
	files, _ := h.g.ListWorkspace("s1")
	for _, f := range files {
		if f.Name == betOutputs[0] || f.Name == betOutputs[1] {
			t.Errorf("in-flight output %s listed", f.Name)
		}
	}
	close(release)
	<-done
}

func TestInvoke_RecordedRequestIsNotRerun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, produce(betOutputs...))
	ctx := context.Background()

	first, err := h.g.Invoke(ctx, betRequest("once"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.g.Invoke(ctx, betRequest("once"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != first.Status || second.RequestID != "once" {
		t.Errorf("second = %+v, want recorded %+v", second, first)
	}
	if n := len(h.rt.Containers()); n != 1 {
		t.Errorf("%d containers launched, want 1", n)
	}

	_, err = h.g.Invoke(ctx, Request{
		Tool: "tissue-segmentation", SessionID: "s1", RequestID: "once",
		Params: map[string]any{"input_file": "t1.nii.gz"},
	})
	if !errors.Is(err, toolerr.ErrValidation) {
		t.Errorf("reuse of id for another tool: err = %v, want ValidationError", err)
	}
}

func TestInvoke_ConcurrentDuplicatesShareOneRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, produceThenBlock(release, betOutputs...))

	var wg sync.WaitGroup
	results := make([]*result.ExecutionResult, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.g.Invoke(context.Background(), betRequest("dup"))
			if err != nil {
				t.Errorf("Invoke: %v", err)
				return
			}
			results[i] = res
		}()
	}
	waitFor(t, "container", func() bool { return h.rt.Live() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := len(h.rt.Containers()); n != 1 {
		t.Errorf("%d containers launched, want 1", n)
	}
	for i, res := range results {
		if res == nil || res.Status != result.Success {
			t.Errorf("result %d = %+v", i, res)
		}
	}
}

func TestInvoke_InFlightRequestIDIsBoundToSessionAndTool(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, produceThenBlock(release, betOutputs...))
	s2, err := h.ws.EnsureSession("s2")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s2.Root, "t1.nii.gz"), []byte("nifti"), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan *result.ExecutionResult, 1)
	go func() {
		res, err := h.g.Invoke(context.Background(), betRequest("dup"))
		if err != nil {
			t.Errorf("Invoke: %v", err)
		}
		done <- res
	}()
	waitFor(t, "first run", func() bool { return h.rt.Live() == 1 })

	reuses := []Request{
		{Tool: "tissue-segmentation", SessionID: "s2", RequestID: "dup", Params: map[string]any{"input_file": "t1.nii.gz"}},
		{Tool: "tissue-segmentation", SessionID: "s1", RequestID: "dup", Params: map[string]any{"input_file": "t1.nii.gz"}},
		{Tool: "brain-extraction", SessionID: "s2", RequestID: "dup", Params: map[string]any{"input_file": "t1.nii.gz"}},
	}
	for _, req := range reuses {
		res, err := h.g.Invoke(context.Background(), req)
		if !errors.Is(err, toolerr.ErrValidation) {
			t.Errorf("%s/%s: Invoke = %+v, %v; want ValidationError", req.SessionID, req.Tool, res, err)
			continue
		}
		if te := toolerr.As(err); te.Param != "request_id" {
			t.Errorf("%s/%s: Param = %q, want request_id", req.SessionID, req.Tool, te.Param)
		}
	}

	close(release)
	if res := <-done; res == nil || res.SessionID != "s1" || res.Status != result.Success {
		t.Errorf("first run = %+v", res)
	}
	if n := len(h.rt.Containers()); n != 1 {
		t.Errorf("%d containers launched, want 1", n)
	}

	// Once the id is recorded, the journal keeps enforcing the binding.
	if _, err := h.g.Invoke(context.Background(), reuses[0]); !errors.Is(err, toolerr.ErrValidation) {
		t.Errorf("reuse after completion = %v, want ValidationError", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, produceThenBlock(make(chan struct{}), betOutputs...))

	if err := h.g.Cancel("nope"); !errors.Is(err, toolerr.ErrNotFound) {
		t.Errorf("Cancel(unknown) = %v, want NotFound", err)
	}

	done := make(chan *result.ExecutionResult, 1)
	go func() {
		res, err := h.g.Invoke(context.Background(), betRequest("c1"))
		if err != nil {
			t.Errorf("Invoke: %v", err)
		}
		done <- res
	}()
	waitFor(t, "container", func() bool { return h.rt.Live() == 1 })
	if err := h.g.Cancel("c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := <-done
	if res == nil || res.Status != result.Cancelled {
		t.Fatalf("result = %+v, want Cancelled", res)
	}
	if !errors.Is(res.Error, toolerr.ErrExecutionCanceled) {
		t.Errorf("Error = %v", res.Error)
	}
	for _, name := range betOutputs {
		if _, err := os.Stat(filepath.Join(h.sess.Root, name)); !os.IsNotExist(err) {
			t.Errorf("partial output %s survived cancellation", name)
		}
	}
}

func TestInvoke_RuntimeUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, produce(betOutputs...))
	h.rt.PingErr = runtime.ErrUnavailable

	_, err := h.g.Invoke(context.Background(), betRequest(""))
	if !errors.Is(err, toolerr.ErrContainerLaunch) {
		t.Fatalf("err = %v, want ContainerLaunchError", err)
	}
	if err := h.g.Ready(context.Background()); err == nil {
		t.Error("Ready() = nil with an unreachable runtime")
	}
}

func TestListWorkspace_UnknownSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	for _, id := range []string{"ghost", "../etc"} {
		if _, err := h.g.ListWorkspace(id); !errors.Is(err, toolerr.ErrNotFound) {
			t.Errorf("ListWorkspace(%q) = %v, want NotFound", id, err)
		}
	}
}
