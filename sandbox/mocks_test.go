package sandbox

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing.
// Results are keyed by the space-joined argument list.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string][]commandResult
	defaultResult  commandResult
	calls          []string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmdKey := strings.Join(args, " ")
	m.calls = append(m.calls, cmdKey)

	if results, exists := m.commandResults[cmdKey]; exists && len(results) > 0 {
		result := results[0]
		if len(results) > 1 {
			m.commandResults[cmdKey] = results[1:]
		}
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) on(cmdKey string, results ...commandResult) {
	if m.commandResults == nil {
		m.commandResults = make(map[string][]commandResult)
	}
	m.commandResults[cmdKey] = results
}

func (m *MockCommandRunner) callsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, call := range m.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu             sync.Mutex
	mkdirAllErrors map[string]error
	writeFileErrs  map[string]error
	chownErrors    map[string]error
	chmodErrors    map[string]error
	removeAllErrs  map[string]error
	dirEntries     map[string][]os.DirEntry
	owners         map[string]int

	writeFileData map[string][]byte
	writeFileMode map[string]os.FileMode
	chowned       map[string]int
	removed       []string
	created       []string
}

func (m *MockFileSystem) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.mkdirAllErrors[path]; exists {
		return err
	}
	m.created = append(m.created, path)
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.writeFileErrs[filename]; exists {
		return err
	}
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
		m.writeFileMode = make(map[string]os.FileMode)
	}
	m.writeFileData[filename] = data
	m.writeFileMode[filename] = perm
	return nil
}

func (m *MockFileSystem) Chown(path string, uid, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.chownErrors[path]; exists {
		return err
	}
	if m.chowned == nil {
		m.chowned = make(map[string]int)
	}
	m.chowned[path] = uid
	return nil
}

func (m *MockFileSystem) Chmod(path string, _ os.FileMode) error {
	if err, exists := m.chmodErrors[path]; exists {
		return err
	}
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.removeAllErrs[path]; exists {
		return err
	}
	m.removed = append(m.removed, path)
	return nil
}

func (m *MockFileSystem) ReadDir(name string) ([]os.DirEntry, error) {
	entries, exists := m.dirEntries[name]
	if !exists {
		return nil, fs.ErrNotExist
	}
	return entries, nil
}

func (m *MockFileSystem) Lstat(name string) (os.FileInfo, error) {
	uid, exists := m.owners[name]
	if !exists {
		return nil, fs.ErrNotExist
	}
	return mockFileInfo{name: name, uid: uid}, nil
}

func (m *MockFileSystem) removedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

type mockDirEntry struct {
	name string
}

func (e mockDirEntry) Name() string               { return e.name }
func (e mockDirEntry) IsDir() bool                { return false }
func (e mockDirEntry) Type() fs.FileMode          { return 0 }
func (e mockDirEntry) Info() (fs.FileInfo, error) { return mockFileInfo{name: e.name}, nil }

type mockFileInfo struct {
	name string
	uid  int
}

func (i mockFileInfo) Name() string       { return i.name }
func (i mockFileInfo) Size() int64        { return 0 }
func (i mockFileInfo) Mode() fs.FileMode  { return 0o600 }
func (i mockFileInfo) ModTime() time.Time { return time.Time{} }
func (i mockFileInfo) IsDir() bool        { return false }
func (i mockFileInfo) Sys() any {
	return &syscall.Stat_t{Uid: uint32(i.uid)} //nolint:gosec // test fixture
}
