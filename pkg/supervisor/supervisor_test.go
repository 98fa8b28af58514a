package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/circlink/pkg/circlink/device"
	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/store"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// goroutineSpawner runs each worker in a goroutine of the test process.
type goroutineSpawner struct {
	sup  *Supervisor
	ctx  context.Context
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs map[int]error
}

func (g *goroutineSpawner) Spawn(id int) (int, error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := g.sup.RunWorker(g.ctx, id)
		g.mu.Lock()
		g.errs[id] = err
		g.mu.Unlock()
	}()
	return os.Getpid(), nil
}

func (g *goroutineSpawner) err(id int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs[id]
}

// deadSpawner reports a process that never runs the worker.
type deadSpawner struct{ pid int }

func (d deadSpawner) Spawn(int) (int, error) { return d.pid, nil }

type failingSpawner struct{}

func (failingSpawner) Spawn(int) (int, error) { return 0, errors.New("exec format error") }

type fakeProcesses struct {
	mu         sync.Mutex
	dead       map[int]bool
	name       string
	terminated []int
}

func (f *fakeProcesses) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid > 0 && !f.dead[pid]
}

func (f *fakeProcesses) Name(int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, nil
}

func (f *fakeProcesses) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

type harness struct {
	sup     *Supervisor
	store   *store.Store
	ledger  *ledger.Ledger
	procs   *fakeProcesses
	spawner *goroutineSpawner
	base    string
	dest    string
	board   string
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		store:  store.New(filepath.Join(root, "links")),
		ledger: ledger.New(filepath.Join(root, "ledger.csv")),
		procs:  &fakeProcesses{dead: map[int]bool{}, name: "circlink"},
		base:   filepath.Join(root, "project"),
		dest:   filepath.Join(root, "dest"),
		board:  filepath.Join(root, "CIRCUITPY"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(h.base, "src"), 0o755))
	require.NoError(t, os.MkdirAll(h.board, 0o755))
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.base, "src", name), []byte(name), 0o644))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.spawner = &goroutineSpawner{ctx: ctx, errs: map[int]error{}}
	t.Cleanup(func() {
		cancel()
		h.spawner.wg.Wait()
	})

	cfg := Config{
		Store:        h.store,
		Ledger:       h.ledger,
		Spawner:      h.spawner,
		Processes:    h.procs,
		Detector:     func() (*device.Device, error) { return &device.Device{Path: h.board}, nil },
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		SyncInterval: 5 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.sup = New(cfg)
	h.spawner.sup = h.sup
	return h
}

func (h *harness) start(t *testing.T, readPath string, opts types.Options) *types.Record {
	t.Helper()
	rec, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  readPath,
		WritePath: h.dest,
		BaseDir:   h.base,
		Options:   opts,
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) linkEntries(t *testing.T, id int) int {
	t.Helper()
	all, err := h.ledger.All()
	require.NoError(t, err)
	n := 0
	for _, e := range all {
		if e.LinkID == id {
			n++
		}
	}
	return n
}

func TestStartStopClear(t *testing.T) {
	h := newHarness(t)

	rec := h.start(t, "src/*.txt", types.Options{Name: "demo"})
	assert.Equal(t, 1, rec.ID)
	assert.Equal(t, os.Getpid(), rec.ProcessID)
	assert.True(t, rec.Confirmed)
	assert.False(t, rec.Stopped)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.dest, "src", "b.txt"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.linkEntries(t, rec.ID) == 2 }, 2*time.Second, 5*time.Millisecond)

	stopped, err := h.sup.Stop(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	loaded, err := h.store.Load(rec.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Stopped)
	assert.Zero(t, h.linkEntries(t, rec.ID))
	assert.NoError(t, h.spawner.err(rec.ID))

	stopped, err = h.sup.Stop(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, stopped, "already stopped")

	require.NoError(t, h.sup.Clear(rec.ID, false))
	assert.NoFileExists(t, h.store.Path(rec.ID))
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/a.txt",
		WritePath: h.dest,
		BaseDir:   h.base,
		Options:   types.Options{Recursive: true},
	})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "missing/a.txt",
		WritePath: h.dest,
		BaseDir:   h.base,
	})
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	last, err := h.store.LastID()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestStart_NotWritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	h := newHarness(t)
	locked := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.Chmod(locked, 0o500))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	_, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/*.txt",
		WritePath: filepath.Join(locked, "sub", "dest"),
		BaseDir:   h.base,
	})
	assert.ErrorIs(t, err, types.ErrPermission)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCheckWritable_FileInPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	assert.ErrorIs(t, checkWritable(filepath.Join(file, "dest")), types.ErrPermission)
	assert.NoError(t, checkWritable(filepath.Join(t.TempDir(), "new", "dest")))
}

func TestStart_UseDevice(t *testing.T) {
	h := newHarness(t)

	rec, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/a.txt",
		WritePath: "lib",
		BaseDir:   h.base,
		UseDevice: true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.board, "lib"), rec.WritePath)

	_, err = h.sup.Stop(context.Background(), rec.ID)
	require.NoError(t, err)
}

func TestStart_NoDevice(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Detector = func() (*device.Device, error) { return nil, device.ErrNotFound }
	})

	_, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/a.txt",
		WritePath: "",
		BaseDir:   h.base,
		UseDevice: true,
	})
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestStart_Timeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Spawner = deadSpawner{pid: 999999}
		c.StartTimeout = 100 * time.Millisecond
	})

	_, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/*.txt",
		WritePath: h.dest,
		BaseDir:   h.base,
	})
	assert.ErrorIs(t, err, types.ErrStartTimeout)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, []int{999999}, h.procs.terminated)

	rec, err := h.store.Load(1)
	require.NoError(t, err)
	assert.True(t, rec.Stopped, "a link that never started can be cleared without force")
	assert.NoError(t, h.sup.Clear(1, false))
}

func TestStart_SpawnFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Spawner = failingSpawner{} })

	_, err := h.sup.Start(context.Background(), StartRequest{
		ReadPath:  "src/*.txt",
		WritePath: h.dest,
		BaseDir:   h.base,
	})
	require.Error(t, err)

	rec, err := h.store.Load(1)
	require.NoError(t, err)
	assert.True(t, rec.Stopped)
}

func TestStop_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.sup.Stop(context.Background(), 9)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func runningRecord(t *testing.T, h *harness, pid int) *types.Record {
	t.Helper()
	rec, err := h.store.Create("src/*.txt", h.dest, h.base, types.Options{})
	require.NoError(t, err)
	rec, err = h.store.Update(rec.ID, func(r *types.Record) error {
		r.ProcessID = pid
		r.Confirmed = true
		return nil
	})
	require.NoError(t, err)
	return rec
}

func TestStop_ProcessMismatch(t *testing.T) {
	h := newHarness(t)

	dead := runningRecord(t, h, 31337)
	h.procs.dead[31337] = true
	_, err := h.sup.Stop(context.Background(), dead.ID)
	assert.ErrorIs(t, err, types.ErrProcessMismatch)

	other := runningRecord(t, h, 4040)
	h.procs.name = "bash"
	_, err = h.sup.Stop(context.Background(), other.ID)
	assert.ErrorIs(t, err, types.ErrProcessMismatch)

	loaded, err := h.store.Load(other.ID)
	require.NoError(t, err)
	assert.False(t, loaded.EndFlag, "a mismatch must not touch the record")
}

func TestStop_Timeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StopTimeout = 100 * time.Millisecond })

	rec := runningRecord(t, h, 4040)
	_, err := h.sup.Stop(context.Background(), rec.ID)
	assert.ErrorIs(t, err, types.ErrStopTimeout)

	loaded, err := h.store.Load(rec.ID)
	require.NoError(t, err)
	assert.True(t, loaded.EndFlag)
	assert.False(t, loaded.Stopped)
}

func TestClear_Guard(t *testing.T) {
	h := newHarness(t)

	rec := runningRecord(t, h, 4040)
	_, err := h.ledger.Append(ledger.Entry{Destination: "/dest/x", LinkID: rec.ID, ProcessID: 4040}, true)
	require.NoError(t, err)

	err = h.sup.Clear(rec.ID, false)
	assert.ErrorIs(t, err, types.ErrNotStopped)
	assert.FileExists(t, h.store.Path(rec.ID))
	assert.Equal(t, 1, h.linkEntries(t, rec.ID), "refused clear must not touch the ledger")

	require.NoError(t, h.sup.Clear(rec.ID, true))
	assert.NoFileExists(t, h.store.Path(rec.ID))
	assert.Zero(t, h.linkEntries(t, rec.ID))

	assert.ErrorIs(t, h.sup.Clear(rec.ID, true), types.ErrNotFound)
}

func TestRestart(t *testing.T) {
	h := newHarness(t)

	rec := h.start(t, "src/*.txt", types.Options{Name: "demo", WipeDest: true})
	_, err := h.sup.Restart(context.Background(), rec.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyRunning)

	_, err = h.sup.Stop(context.Background(), rec.ID)
	require.NoError(t, err)

	marker := filepath.Join(h.dest, "keep.me")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	restarted, err := h.sup.Restart(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.ID)
	assert.Equal(t, "demo", restarted.Name)
	assert.False(t, restarted.WipeDest)
	assert.NoFileExists(t, h.store.Path(rec.ID))
	assert.FileExists(t, marker)

	_, err = h.sup.Stop(context.Background(), restarted.ID)
	require.NoError(t, err)
}

func TestRunWorker_WaitsForProcessID(t *testing.T) {
	h := newHarness(t)
	rec, err := h.store.Create("src/*.txt", h.dest, h.base, types.Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.sup.RunWorker(context.Background(), rec.ID) }()

	time.Sleep(30 * time.Millisecond)
	loaded, err := h.store.Load(rec.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Confirmed, "worker must not confirm before its process id is written")

	_, err = h.store.Update(rec.ID, func(r *types.Record) error {
		r.ProcessID = os.Getpid()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := h.store.Load(rec.ID)
		return err == nil && r.Confirmed
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.store.Update(rec.ID, func(r *types.Record) error {
		r.EndFlag = true
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunWorker_FatalReleasesLedger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "src"), []byte("blocker"), 0o644))

	rec := runningRecord(t, h, os.Getpid())
	err := h.sup.RunWorker(context.Background(), rec.ID)
	assert.ErrorIs(t, err, types.ErrDestination)
	assert.Zero(t, h.linkEntries(t, rec.ID))
}

func TestRunWorker_NeverGetsProcessID(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartTimeout = 50 * time.Millisecond })
	rec, err := h.store.Create("src/*.txt", h.dest, h.base, types.Options{})
	require.NoError(t, err)

	err = h.sup.RunWorker(context.Background(), rec.ID)
	assert.ErrorIs(t, err, types.ErrStartTimeout)

	assert.ErrorIs(t, h.sup.RunWorker(context.Background(), 77), types.ErrNotFound)
}

func TestResolve(t *testing.T) {
	h := newHarness(t)

	ids, err := h.sup.Resolve("last")
	require.NoError(t, err)
	assert.Empty(t, ids)

	for i := 0; i < 3; i++ {
		_, err := h.store.Create("src/a.txt", h.dest, h.base, types.Options{})
		require.NoError(t, err)
	}

	ids, err = h.sup.Resolve("all")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	ids, err = h.sup.Resolve("LAST")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)

	ids, err = h.sup.Resolve("2")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids)

	for _, bad := range []string{"", "first", "-1", "0", "1.5"} {
		_, err := h.sup.Resolve(bad)
		assert.ErrorIs(t, err, types.ErrValidation, bad)
	}
}

func TestSameProcessName(t *testing.T) {
	assert.True(t, sameProcessName("circlink", "circlink"))
	assert.True(t, sameProcessName("/usr/local/bin/circlink", "circlink"))
	assert.False(t, sameProcessName("supervisor.test", "circlink"))
	assert.True(t, sameProcessName("circlink-nightl", "circlink-nightly-build"))
	assert.False(t, sameProcessName("circlink", "circlink-nightly-build"))
}

func TestOSProcesses(t *testing.T) {
	var p OSProcesses

	assert.True(t, p.Alive(os.Getpid()))
	assert.False(t, p.Alive(999999999))
	assert.False(t, p.Alive(0))
	assert.NoError(t, p.Terminate(0))

	name, err := p.Name(os.Getpid())
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		require.NoError(t, err)
		assert.NotEmpty(t, name)
	} else {
		assert.ErrorIs(t, err, ErrUnsupported)
	}
}

func TestExecSpawner(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true(1) not available")
	}

	pid, err := ExecSpawner{Binary: bin, Args: []string{"--home", t.TempDir()}}.Spawn(5)
	require.NoError(t, err)
	assert.Positive(t, pid)

	_, err = ExecSpawner{Binary: filepath.Join(t.TempDir(), "absent")}.Spawn(5)
	assert.Error(t, err)
}
