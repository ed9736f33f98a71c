package sandbox

import (
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
)

var identityNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

func newTestAccountProvider(t *testing.T, runner *MockCommandRunner, fsys *MockFileSystem) *OSAccountProvider {
	t.Helper()
	p := NewOSAccountProvider(zaptest.NewLogger(t), "/home", "exec_", []string{"/tmp", "/dev/shm"},
		WithAccountCommandRunner(runner),
		WithAccountFileSystem(fsys),
	)
	p.geteuid = func() int { return 0 }
	p.lookup = func(name string) (*user.User, error) {
		return &user.User{Username: name, Uid: "1001", Gid: "1001"}, nil
	}
	return p
}

func TestNewIdentityName(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		name := newIdentityName("exec_")
		assert.LessOrEqual(t, len(name), config.MaxUserNameLen)
		assert.Regexp(t, identityNamePattern, name)
		_, dup := seen[name]
		require.False(t, dup, "duplicate identity name %s", name)
		seen[name] = struct{}{}
	}
}

func TestOSAccountProviderProvision(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fsys := &MockFileSystem{}
		p := newTestAccountProvider(t, runner, fsys)

		id, err := p.Provision(context.Background())
		require.NoError(t, err)

		assert.True(t, id.Isolated)
		assert.Equal(t, 1001, id.UID)
		assert.Equal(t, 1001, id.GID)
		assert.Equal(t, filepath.Join("/home", id.ID), id.HomeDir)
		assert.Equal(t, filepath.Join(id.HomeDir, WorkDirName), id.WorkDir)

		calls := runner.callsWithPrefix("useradd")
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0], "--home-dir "+id.HomeDir)
		assert.Contains(t, calls[0], "--shell /usr/sbin/nologin")
		assert.Contains(t, calls[0], id.ID)

		assert.Contains(t, fsys.created, id.WorkDir)
		assert.Equal(t, 1001, fsys.chowned[id.WorkDir])
	})

	t.Run("RequiresRoot", func(t *testing.T) {
		runner := &MockCommandRunner{}
		p := newTestAccountProvider(t, runner, &MockFileSystem{})
		p.geteuid = func() int { return 1000 }

		id, err := p.Provision(context.Background())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Nil(t, id)
		assert.Empty(t, runner.calls)
	})

	t.Run("UseraddFails", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{exitCode: 9, stderr: "useradd: user already exists\n"}}
		p := newTestAccountProvider(t, runner, &MockFileSystem{})

		_, err := p.Provision(context.Background())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Contains(t, err.Error(), "user already exists")
	})

	t.Run("UseraddCannotStart", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{err: errors.New("exec: \"useradd\": executable file not found")}}
		p := newTestAccountProvider(t, runner, &MockFileSystem{})

		_, err := p.Provision(context.Background())
		require.ErrorIs(t, err, ErrProvisioning)
	})

	t.Run("RollsBackPartialIdentity", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fsys := &MockFileSystem{}
		p := newTestAccountProvider(t, runner, fsys)
		p.lookup = func(string) (*user.User, error) {
			return nil, user.UnknownUserError("gone")
		}

		id, err := p.Provision(context.Background())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Nil(t, id)

		deletes := runner.callsWithPrefix("userdel --force --remove " + "exec_")
		require.Len(t, deletes, 1)
		removed := fsys.removedPaths()
		require.Len(t, removed, 1)
		assert.Equal(t, "/home", filepath.Dir(removed[0]))
	})
}

func TestOSAccountProviderTeardown(t *testing.T) {
	id := &Identity{
		ID:       "exec_0123456789abcdef0123456789ab",
		HomeDir:  "/home/exec_0123456789abcdef0123456789ab",
		WorkDir:  "/home/exec_0123456789abcdef0123456789ab/run",
		UID:      1001,
		GID:      1001,
		Isolated: true,
	}

	t.Run("RemovesEverything", func(t *testing.T) {
		runner := &MockCommandRunner{}
		runner.on("pkill -KILL -u 1001",
			commandResult{exitCode: 0},
			commandResult{exitCode: 0},
			commandResult{exitCode: pkillNoMatch},
		)
		fsys := &MockFileSystem{
			dirEntries: map[string][]os.DirEntry{
				"/tmp": {mockDirEntry{"mine.txt"}, mockDirEntry{"theirs.txt"}},
			},
			owners: map[string]int{
				"/tmp/mine.txt":   1001,
				"/tmp/theirs.txt": 0,
			},
		}
		p := newTestAccountProvider(t, runner, fsys)

		require.NoError(t, p.Teardown(context.Background(), id))

		assert.Len(t, runner.callsWithPrefix("pkill"), killPasses)
		assert.Equal(t, []string{"userdel --force --remove " + id.ID}, runner.callsWithPrefix("userdel"))
		assert.ElementsMatch(t, []string{id.HomeDir, "/tmp/mine.txt"}, fsys.removedPaths())
	})

	t.Run("Idempotent", func(t *testing.T) {
		runner := &MockCommandRunner{}
		runner.on("pkill -KILL -u 1001", commandResult{exitCode: pkillNoMatch})
		runner.on("userdel --force --remove "+id.ID, commandResult{exitCode: userdelNoSuchUser})
		p := newTestAccountProvider(t, runner, &MockFileSystem{})

		require.NoError(t, p.Teardown(context.Background(), id))
		require.NoError(t, p.Teardown(context.Background(), id))
	})

	t.Run("InvalidUserIsNotAnError", func(t *testing.T) {
		runner := &MockCommandRunner{}
		runner.on("pkill -KILL -u 1001", commandResult{exitCode: 2, stderr: "pkill: invalid user name: 1001\n"})
		p := newTestAccountProvider(t, runner, &MockFileSystem{})

		require.NoError(t, p.Teardown(context.Background(), id))
	})

	t.Run("ContinuesAfterFailure", func(t *testing.T) {
		runner := &MockCommandRunner{}
		runner.on("pkill -KILL -u 1001", commandResult{exitCode: pkillNoMatch})
		runner.on("userdel --force --remove "+id.ID, commandResult{exitCode: 8, stderr: "userdel: user is currently used by process 42\n"})
		fsys := &MockFileSystem{}
		p := newTestAccountProvider(t, runner, fsys)

		err := p.Teardown(context.Background(), id)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "currently used")
		assert.Equal(t, []string{id.HomeDir}, fsys.removedPaths())
	})

	t.Run("NilIdentity", func(t *testing.T) {
		runner := &MockCommandRunner{}
		p := newTestAccountProvider(t, runner, &MockFileSystem{})

		require.NoError(t, p.Teardown(context.Background(), nil))
		assert.Empty(t, runner.calls)
	})
}

func TestRemoveHomeRefusesOutsideBase(t *testing.T) {
	fsys := &MockFileSystem{}

	err := removeHome(fsys, "/home", &Identity{HomeDir: "/etc"})
	require.Error(t, err)

	err = removeHome(fsys, "/home", &Identity{HomeDir: "/home/exec_a/../../etc"})
	require.Error(t, err)

	assert.Empty(t, fsys.removedPaths())
}

func TestDirectoryProvider(t *testing.T) {
	base := filepath.Join(t.TempDir(), "identities")
	p := NewDirectoryProvider(base, "exec_", nil)

	id, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.False(t, id.Isolated)
	assert.Equal(t, os.Getuid(), id.UID)

	info, err := os.Stat(id.WorkDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(WorkPermission), info.Mode().Perm())

	other, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id.ID, other.ID)

	require.NoError(t, p.Teardown(context.Background(), id))
	require.NoError(t, p.Teardown(context.Background(), id))
	_, err = os.Stat(id.HomeDir)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(other.WorkDir)
	require.NoError(t, err)
	require.NoError(t, p.Teardown(context.Background(), other))
}
