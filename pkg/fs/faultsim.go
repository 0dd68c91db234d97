package fs

import (
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"sync"
)

// ErrInjectedFault is returned by a [FaultInjector] when it decides to
// simulate a failure instead of performing the real operation.
var ErrInjectedFault = errors.New("fs: injected fault")

// FaultInjector wraps an [FS] and randomly truncates writes or fails
// syncs, for exercising the block store's torn-write detection: a
// committed block must be either fully present with a matching checksum
// or fully absent.
//
// Probabilities are checked independently on every Write/Sync call on
// every file opened through the injector. A zero-value FaultInjector
// never injects anything.
type FaultInjector struct {
	inner FS
	rng   *rand.Rand

	mu             sync.Mutex
	tornWriteProb  float64
	writeErrorProb float64
	syncErrorProb  float64
}

// NewFaultInjector returns a FaultInjector wrapping inner, seeded
// deterministically so failing tests are reproducible.
func NewFaultInjector(inner FS, seed uint64) *FaultInjector {
	return &FaultInjector{
		inner: inner,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetTornWriteProbability sets the chance [0,1] that a Write is
// truncated partway through before returning, simulating a crash mid
// write.
func (f *FaultInjector) SetTornWriteProbability(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornWriteProb = p
}

// SetWriteErrorProbability sets the chance [0,1] that a Write fails
// outright with [ErrInjectedFault].
func (f *FaultInjector) SetWriteErrorProbability(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErrorProb = p
}

// SetSyncErrorProbability sets the chance [0,1] that a Sync fails with
// [ErrInjectedFault].
func (f *FaultInjector) SetSyncErrorProbability(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErrorProb = p
}

func (f *FaultInjector) roll(p float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p <= 0 {
		return false
	}
	return f.rng.Float64() < p
}

func (f *FaultInjector) wrap(file File, err error) (File, error) {
	if err != nil {
		return nil, err
	}
	return &faultFile{inj: f, file: file}, nil
}

func (f *FaultInjector) Open(path string) (File, error) {
	file, err := f.inner.Open(path)
	return f.wrap(file, err)
}

func (f *FaultInjector) Create(path string) (File, error) {
	file, err := f.inner.Create(path)
	return f.wrap(file, err)
}

func (f *FaultInjector) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	file, err := f.inner.OpenFile(path, flag, perm)
	return f.wrap(file, err)
}

func (f *FaultInjector) ReadFile(path string) ([]byte, error)  { return f.inner.ReadFile(path) }
func (f *FaultInjector) ReadDir(path string) ([]os.DirEntry, error) { return f.inner.ReadDir(path) }
func (f *FaultInjector) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}
func (f *FaultInjector) Stat(path string) (os.FileInfo, error) { return f.inner.Stat(path) }
func (f *FaultInjector) Exists(path string) (bool, error)      { return f.inner.Exists(path) }
func (f *FaultInjector) Remove(path string) error              { return f.inner.Remove(path) }
func (f *FaultInjector) RemoveAll(path string) error           { return f.inner.RemoveAll(path) }
func (f *FaultInjector) Rename(oldpath, newpath string) error  { return f.inner.Rename(oldpath, newpath) }

func (f *FaultInjector) WriteFile(path string, data []byte, perm os.FileMode) error {
	if f.roll(f.writeErrorProb) {
		return ErrInjectedFault
	}
	if f.roll(f.tornWriteProb) && len(data) > 1 {
		data = data[:len(data)/2]
	}
	return f.inner.WriteFile(path, data, perm)
}

// faultFile decorates a [File], consulting its owning [FaultInjector]
// before each Write/Sync.
type faultFile struct {
	inj  *FaultInjector
	file File
}

func (ff *faultFile) Write(p []byte) (int, error) {
	if ff.inj.roll(ff.inj.writeErrorProb) {
		return 0, ErrInjectedFault
	}
	if ff.inj.roll(ff.inj.tornWriteProb) && len(p) > 1 {
		torn := len(p) / 2
		n, err := ff.file.Write(p[:torn])
		if err != nil {
			return n, err
		}
		return n, io.ErrShortWrite
	}
	return ff.file.Write(p)
}

func (ff *faultFile) Sync() error {
	if ff.inj.roll(ff.inj.syncErrorProb) {
		return ErrInjectedFault
	}
	return ff.file.Sync()
}

func (ff *faultFile) Read(p []byte) (int, error)         { return ff.file.Read(p) }
func (ff *faultFile) Close() error                       { return ff.file.Close() }
func (ff *faultFile) Seek(off int64, whence int) (int64, error) { return ff.file.Seek(off, whence) }
func (ff *faultFile) Fd() uintptr                        { return ff.file.Fd() }
func (ff *faultFile) Stat() (os.FileInfo, error)         { return ff.file.Stat() }
func (ff *faultFile) Chmod(mode os.FileMode) error       { return ff.file.Chmod(mode) }

var _ FS = (*FaultInjector)(nil)
var _ File = (*faultFile)(nil)

// CrashSimulator wraps an [FS] and remembers, per path, the file length
// as of the last successful Sync. Crash truncates every tracked path
// back to that durable length, modeling a process abort that loses any
// bytes written but not yet fsynced. Durability tests build their
// crash-before-commit cases on it.
type CrashSimulator struct {
	inner FS

	mu      sync.Mutex
	durable map[string]int64
}

// NewCrashSimulator returns a CrashSimulator wrapping inner.
func NewCrashSimulator(inner FS) *CrashSimulator {
	return &CrashSimulator{inner: inner, durable: make(map[string]int64)}
}

func (c *CrashSimulator) track(path string, file File) File {
	return &crashFile{sim: c, path: path, file: file}
}

func (c *CrashSimulator) Open(path string) (File, error) {
	f, err := c.inner.Open(path)
	if err != nil {
		return nil, err
	}
	return c.track(path, f), nil
}

func (c *CrashSimulator) Create(path string) (File, error) {
	f, err := c.inner.Create(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.durable[path] = 0
	c.mu.Unlock()
	return c.track(path, f), nil
}

func (c *CrashSimulator) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	if flag&os.O_CREATE != 0 {
		if info, statErr := f.Stat(); statErr == nil {
			c.mu.Lock()
			if _, ok := c.durable[path]; !ok {
				c.durable[path] = info.Size()
			}
			c.mu.Unlock()
		}
	}
	return c.track(path, f), nil
}

func (c *CrashSimulator) ReadFile(path string) ([]byte, error)  { return c.inner.ReadFile(path) }
func (c *CrashSimulator) ReadDir(path string) ([]os.DirEntry, error) { return c.inner.ReadDir(path) }
func (c *CrashSimulator) MkdirAll(path string, perm os.FileMode) error {
	return c.inner.MkdirAll(path, perm)
}
func (c *CrashSimulator) Stat(path string) (os.FileInfo, error) { return c.inner.Stat(path) }
func (c *CrashSimulator) Exists(path string) (bool, error)      { return c.inner.Exists(path) }
func (c *CrashSimulator) Remove(path string) error              { return c.inner.Remove(path) }
func (c *CrashSimulator) RemoveAll(path string) error           { return c.inner.RemoveAll(path) }

func (c *CrashSimulator) Rename(oldpath, newpath string) error {
	err := c.inner.Rename(oldpath, newpath)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if size, ok := c.durable[oldpath]; ok {
		c.durable[newpath] = size
		delete(c.durable, oldpath)
	}
	c.mu.Unlock()
	return nil
}

func (c *CrashSimulator) WriteFile(path string, data []byte, perm os.FileMode) error {
	err := c.inner.WriteFile(path, data, perm)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.durable[path] = int64(len(data))
	c.mu.Unlock()
	return nil
}

// Crash truncates every tracked path back to its last-synced length,
// discarding any writes made since. Call this in place of a real
// process kill in crash-consistency tests.
func (c *CrashSimulator) Crash() error {
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.durable))
	for k, v := range c.durable {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for path, size := range snapshot {
		f, err := c.inner.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		truncErr := truncateFile(f, size)
		closeErr := f.Close()
		if truncErr != nil {
			return truncErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

func truncateFile(f File, size int64) error {
	type truncater interface{ Truncate(int64) error }
	if t, ok := f.(truncater); ok {
		return t.Truncate(size)
	}
	return nil
}

type crashFile struct {
	sim  *CrashSimulator
	path string
	file File
}

func (cf *crashFile) Write(p []byte) (int, error) { return cf.file.Write(p) }
func (cf *crashFile) Read(p []byte) (int, error)  { return cf.file.Read(p) }
func (cf *crashFile) Close() error                { return cf.file.Close() }
func (cf *crashFile) Seek(off int64, whence int) (int64, error) {
	return cf.file.Seek(off, whence)
}
func (cf *crashFile) Fd() uintptr                  { return cf.file.Fd() }
func (cf *crashFile) Chmod(mode os.FileMode) error { return cf.file.Chmod(mode) }

func (cf *crashFile) Stat() (os.FileInfo, error) { return cf.file.Stat() }

func (cf *crashFile) Sync() error {
	if err := cf.file.Sync(); err != nil {
		return err
	}
	info, err := cf.file.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		// Directory syncs make renames durable; there is no length to
		// roll back.
		return nil
	}
	cf.sim.mu.Lock()
	cf.sim.durable[cf.path] = info.Size()
	cf.sim.mu.Unlock()
	return nil
}

var _ FS = (*CrashSimulator)(nil)
var _ File = (*crashFile)(nil)
