package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/jail"
)

// Address-space headroom on top of the memory limit, in percent. The
// interpreter maps shared libraries and guard pages it never touches.
const addressSpaceHeadroomPercent = 20

var sandboxEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=" + jail.ScratchDir,
	"TMPDIR=" + jail.ScratchDir,
	"LANG=C.UTF-8",
}

// JailBuilder produces sealed, single-use jails.
type JailBuilder struct {
	logger   *zap.Logger
	cfg      config.JailConfig
	policy   jail.PolicySpec
	fallback SandboxIdentity
	fs       FileSystem
}

// JailBuilderOption defines a functional option for JailBuilder
type JailBuilderOption func(*JailBuilder)

// WithJailFileSystem sets the FileSystem for JailBuilder
func WithJailFileSystem(fs FileSystem) JailBuilderOption {
	return func(b *JailBuilder) {
		b.fs = fs
	}
}

// WithFallbackIdentity sets the identity used when no uid base is configured
func WithFallbackIdentity(id SandboxIdentity) JailBuilderOption {
	return func(b *JailBuilder) {
		b.fallback = id
	}
}

// NewJailBuilder loads the seccomp policy overrides and returns a builder.
func NewJailBuilder(logger *zap.Logger, cfg config.JailConfig, opts ...JailBuilderOption) (*JailBuilder, error) {
	policy, err := jail.LoadPolicySpec(cfg.SeccompPolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.AllowScratchWrites {
		policy.AllowScratchWrites = true
	}

	b := &JailBuilder{
		logger: logger,
		cfg:    cfg,
		policy: policy,
		fs:     &RealFileSystem{}, // Default implementation
	}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.UIDBase <= 0 && b.fallback == (SandboxIdentity{}) {
		b.fallback = LookupFallbackIdentity()
		logger.Warn("No uid base configured, executions share one unprivileged identity",
			zap.Int("uid", b.fallback.UID), zap.Int("gid", b.fallback.GID))
	}
	return b, nil
}

// Build validates the profile, prepares the per-execution state directory
// and checks the syscall policy, then returns a jail that can be launched
// exactly once. On error nothing is left behind.
func (b *JailBuilder) Build(profile ResourceLimitProfile, token *AdmissionToken) (*SealedJail, error) {
	if err := profile.Validate(); err != nil {
		return nil, launchError("profile", err)
	}
	identity := identityForSlot(b.cfg.UIDBase, token.Slot(), b.fallback)
	if identity.UID <= 0 || identity.GID <= 0 {
		return nil, launchError("identity", fmt.Errorf("refusing privileged identity %d:%d", identity.UID, identity.GID))
	}

	id := uuid.NewString()
	if err := b.fs.MkdirAll(b.cfg.StateDir, StateDirPermission); err != nil {
		return nil, launchError("state", fmt.Errorf("failed to create state dir: %w", err))
	}
	rootDir := filepath.Join(b.cfg.StateDir, id)
	if err := b.fs.MkdirAll(rootDir, JailDirPermission); err != nil {
		return nil, launchError("state", fmt.Errorf("failed to create jail root: %w", err))
	}

	if err := jail.ValidatePolicy(b.policy); err != nil {
		if rmErr := b.fs.Remove(rootDir); rmErr != nil {
			b.logger.Warn("Failed to remove jail root", zap.String("path", rootDir), zap.Error(rmErr))
		}
		return nil, launchError("seccomp", err)
	}

	req := jail.InitRequest{
		ExecutionID:     id,
		RootDir:         rootDir,
		RuntimeRoot:     b.cfg.RuntimeRoot,
		RuntimeMounts:   slices.Clone(b.cfg.RuntimeMounts),
		Devices:         slices.Clone(jail.DefaultDevices),
		ScratchBytes:    b.cfg.ScratchBytes,
		Interpreter:     b.cfg.Interpreter,
		InterpreterArgs: slices.Clone(b.cfg.InterpreterArgs),
		Env:             slices.Clone(sandboxEnv),
		UID:             identity.UID,
		GID:             identity.GID,
		Limits: jail.Limits{
			CPUTimeSeconds:    uint64(profile.CPUTimeSeconds),
			AddressSpaceBytes: uint64(profile.MemoryBytes + profile.MemoryBytes*addressSpaceHeadroomPercent/100),
			FileSizeBytes:     uint64(profile.MaxOutputBytes),
			Processes:         uint64(profile.MaxProcesses),
			OpenFiles:         uint64(profile.MaxOpenFiles),
		},
		Policy: b.policy,
	}

	b.logger.Debug("Built jail",
		zap.String("execution_id", id),
		zap.String("host_id", token.HostID()),
		zap.Int("uid", identity.UID))

	return &SealedJail{
		ID:       id,
		Profile:  profile,
		Identity: identity,
		request:  req,
		rootDir:  rootDir,
		fs:       b.fs,
	}, nil
}

// SealedJail is the capability to launch one execution. It describes every
// containment step; the helper applies them in order.
type SealedJail struct {
	ID       string
	Profile  ResourceLimitProfile
	Identity SandboxIdentity

	request  jail.InitRequest
	rootDir  string
	fs       FileSystem
	consumed atomic.Bool

	releaseOnce sync.Once
	releaseErr  error
}

// consume marks the jail used. Only the first call succeeds.
func (s *SealedJail) consume() error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrJailConsumed
	}
	return nil
}

// initRequest returns a copy of the request carrying code.
func (s *SealedJail) initRequest(code []byte) *jail.InitRequest {
	req := s.request
	req.Code = code
	return &req
}

// RootDir is the host path the helper mounts the jail root on.
func (s *SealedJail) RootDir() string { return s.rootDir }

// Release removes the state directory. It is safe to call more than once;
// later calls return the first result.
func (s *SealedJail) Release() error {
	s.releaseOnce.Do(func() {
		if err := s.fs.Remove(s.rootDir); err != nil {
			exists, statErr := s.fs.FileExists(s.rootDir)
			if statErr == nil && !exists {
				return
			}
			s.releaseErr = fmt.Errorf("failed to remove jail root %s: %w", s.rootDir, err)
		}
	})
	return s.releaseErr
}
