package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
)

// WorkDirName is the per-run subdirectory of an identity's home
const WorkDirName = "run"

// exit statuses of shadow-utils and procps that mean "nothing left to do"
const (
	pkillNoMatch      = 1
	userdelNoSuchUser = 6
	userdelHomeError  = 12
)

// pkill is repeated so children forked while the first pass ran are caught too
const killPasses = 3

// Identity is the ephemeral principal that owns one execution
type Identity struct {
	ID       string
	HomeDir  string
	WorkDir  string
	UID      int
	GID      int
	Isolated bool
}

// IdentityProvider creates and destroys execution identities.
//
// Teardown must be idempotent and must accept partially provisioned identities.
type IdentityProvider interface {
	Provision(ctx context.Context) (*Identity, error)
	Teardown(ctx context.Context, id *Identity) error
}

// newIdentityName derives a unique POSIX user name from a random UUID
func newIdentityName(prefix string) string {
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(name) > config.MaxUserNameLen {
		name = name[:config.MaxUserNameLen]
	}
	return name
}

// OSAccountProvider backs identities with real, unprivileged OS accounts.
// It needs root to create accounts.
type OSAccountProvider struct {
	logger    *zap.Logger
	homeBase  string
	prefix    string
	scrubDirs []string
	cmdRunner CommandRunner
	fs        FileSystem
	lookup    func(name string) (*user.User, error)
	geteuid   func() int
}

// OSAccountProviderOption defines a functional option for OSAccountProvider
type OSAccountProviderOption func(*OSAccountProvider)

// WithAccountCommandRunner sets the CommandRunner used for useradd, userdel and pkill
func WithAccountCommandRunner(cmdRunner CommandRunner) OSAccountProviderOption {
	return func(p *OSAccountProvider) {
		p.cmdRunner = cmdRunner
	}
}

// WithAccountFileSystem sets the FileSystem for OSAccountProvider
func WithAccountFileSystem(fs FileSystem) OSAccountProviderOption {
	return func(p *OSAccountProvider) {
		p.fs = fs
	}
}

// NewOSAccountProvider creates a provider placing homes under homeBase
func NewOSAccountProvider(logger *zap.Logger, homeBase, prefix string, scrubDirs []string, opts ...OSAccountProviderOption) *OSAccountProvider {
	provider := &OSAccountProvider{
		logger:    logger,
		homeBase:  homeBase,
		prefix:    prefix,
		scrubDirs: scrubDirs,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
		lookup:    user.Lookup,
		geteuid:   os.Geteuid,
	}

	for _, opt := range opts {
		opt(provider)
	}

	return provider
}

// Provision creates the account, its home and its work directory.
// On any failure the partial account is removed before returning.
func (p *OSAccountProvider) Provision(ctx context.Context) (*Identity, error) {
	if p.geteuid() != 0 {
		return nil, newError(KindProvisioning, nil, "creating execution accounts requires root")
	}

	name := newIdentityName(p.prefix)
	id := &Identity{
		ID:       name,
		HomeDir:  filepath.Join(p.homeBase, name),
		UID:      -1,
		GID:      -1,
		Isolated: true,
	}
	id.WorkDir = filepath.Join(id.HomeDir, WorkDirName)

	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{
		"useradd",
		"--create-home",
		"--home-dir", id.HomeDir,
		"--shell", "/usr/sbin/nologin",
		"--user-group",
		"--no-log-init",
		name,
	})
	if err != nil {
		return nil, newError(KindProvisioning, err, "failed to create execution account")
	}
	if exitCode != 0 {
		return nil, newError(KindProvisioning, nil, "failed to create execution account: useradd exited %d: %s",
			exitCode, strings.TrimSpace(stderr))
	}

	if err := p.prepareHome(id); err != nil {
		if cleanupErr := p.Teardown(ctx, id); cleanupErr != nil {
			p.logger.Error("rollback of partial identity failed",
				logger.Identity(id.ID),
				zap.Error(cleanupErr))
		}
		return nil, newError(KindProvisioning, err, "failed to prepare execution account")
	}

	return id, nil
}

func (p *OSAccountProvider) prepareHome(id *Identity) error {
	u, err := p.lookup(id.ID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id.ID, err)
	}
	if id.UID, err = strconv.Atoi(u.Uid); err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	if id.GID, err = strconv.Atoi(u.Gid); err != nil {
		return fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	if err := p.fs.Chmod(id.HomeDir, HomePermission); err != nil {
		return fmt.Errorf("chmod home: %w", err)
	}
	if err := p.fs.MkdirAll(id.WorkDir, WorkPermission); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := p.fs.Chown(id.WorkDir, id.UID, id.GID); err != nil {
		return fmt.Errorf("chown work dir: %w", err)
	}
	return nil
}

// Teardown kills the identity's processes, removes the account, its home
// and any files it left in the scrub directories. Every step runs even if
// an earlier one failed.
func (p *OSAccountProvider) Teardown(ctx context.Context, id *Identity) error {
	if id == nil {
		return nil
	}

	var errs []error
	if err := p.killAll(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := p.deleteAccount(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := removeHome(p.fs, p.homeBase, id); err != nil {
		errs = append(errs, err)
	}
	if err := p.scrub(id); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (p *OSAccountProvider) killAll(ctx context.Context, id *Identity) error {
	target := id.ID
	if id.UID > 0 {
		target = strconv.Itoa(id.UID)
	}

	for range killPasses {
		_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"pkill", "-KILL", "-u", target})
		if err != nil {
			return fmt.Errorf("pkill %s: %w", id.ID, err)
		}
		switch {
		case exitCode == pkillNoMatch:
			return nil
		case exitCode == 0:
			continue
		case strings.Contains(stderr, "invalid user"):
			// account already gone
			return nil
		default:
			return fmt.Errorf("pkill %s exited %d: %s", id.ID, exitCode, strings.TrimSpace(stderr))
		}
	}
	return nil
}

func (p *OSAccountProvider) deleteAccount(ctx context.Context, id *Identity) error {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"userdel", "--force", "--remove", id.ID})
	if err != nil {
		return fmt.Errorf("userdel %s: %w", id.ID, err)
	}
	switch exitCode {
	case 0, userdelNoSuchUser:
		return nil
	case userdelHomeError:
		// the home is removed explicitly afterwards
		p.logger.Debug("userdel could not remove home", logger.Identity(id.ID))
		return nil
	default:
		return fmt.Errorf("userdel %s exited %d: %s", id.ID, exitCode, strings.TrimSpace(stderr))
	}
}

func (p *OSAccountProvider) scrub(id *Identity) error {
	if id.UID <= 0 {
		return nil
	}

	var errs []error
	for _, dir := range p.scrubDirs {
		entries, err := p.fs.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("scan %s: %w", dir, err))
			}
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			info, err := p.fs.Lstat(path)
			if err != nil {
				continue
			}
			if owner, ok := fileOwner(info); ok && owner == id.UID {
				if err := p.fs.RemoveAll(path); err != nil {
					errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func fileOwner(info os.FileInfo) (int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(stat.Uid), true
}

// removeHome deletes id's home after checking it is a direct child of base
func removeHome(fsys FileSystem, base string, id *Identity) error {
	if id.HomeDir == "" {
		return nil
	}
	if filepath.Dir(filepath.Clean(id.HomeDir)) != filepath.Clean(base) {
		return fmt.Errorf("refusing to remove %s: not inside %s", id.HomeDir, base)
	}
	if err := fsys.RemoveAll(id.HomeDir); err != nil {
		return fmt.Errorf("remove home %s: %w", id.HomeDir, err)
	}
	return nil
}

// DirectoryProvider gives every execution its own directory but runs it as
// the service's own user. It is meant for development hosts only.
type DirectoryProvider struct {
	base   string
	prefix string
	fs     FileSystem
}

// NewDirectoryProvider creates a DirectoryProvider rooted at base
func NewDirectoryProvider(base, prefix string, fs FileSystem) *DirectoryProvider {
	if fs == nil {
		fs = &RealFileSystem{}
	}
	return &DirectoryProvider{
		base:   base,
		prefix: prefix,
		fs:     fs,
	}
}

// Provision creates a fresh home and work directory
func (d *DirectoryProvider) Provision(_ context.Context) (*Identity, error) {
	name := newIdentityName(d.prefix)
	id := &Identity{
		ID:      name,
		HomeDir: filepath.Join(d.base, name),
		UID:     os.Getuid(),
		GID:     os.Getgid(),
	}
	id.WorkDir = filepath.Join(id.HomeDir, WorkDirName)

	if err := d.fs.MkdirAll(d.base, WorkPermission); err != nil {
		return nil, newError(KindProvisioning, err, "failed to create identity base directory")
	}
	if err := d.fs.MkdirAll(id.WorkDir, WorkPermission); err != nil {
		_ = removeHome(d.fs, d.base, id)
		return nil, newError(KindProvisioning, err, "failed to create work directory")
	}

	return id, nil
}

// Teardown removes the identity's directory tree. Its processes were
// already killed with the process group.
func (d *DirectoryProvider) Teardown(_ context.Context, id *Identity) error {
	if id == nil {
		return nil
	}
	return removeHome(d.fs, d.base, id)
}
