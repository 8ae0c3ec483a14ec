//go:build linux

package sandbox

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/jail"
)

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu             sync.Mutex
	mkdirAllErrors map[string]error
	removeErrors   map[string]error
	created        map[string]os.FileMode
	removed        []string
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.mkdirAllErrors[path]; exists {
		return err
	}
	if m.created == nil {
		m.created = make(map[string]os.FileMode)
	}
	m.created[path] = perm
	return nil
}

func (m *MockFileSystem) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, exists := m.removeErrors[path]; exists {
		return err
	}
	m.removed = append(m.removed, path)
	delete(m.created, path)
	return nil
}

func (m *MockFileSystem) FileExists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.created[path]
	return exists, nil
}

func testJailConfig() config.JailConfig {
	return config.JailConfig{
		HelperPath:      "/usr/local/bin/codejail-init",
		RuntimeRoot:     "/",
		RuntimeMounts:   []string{"/usr", "/lib"},
		Interpreter:     "/usr/bin/python3",
		InterpreterArgs: []string{"-I", "-B"},
		StateDir:        "/run/codejail",
		ScratchBytes:    1 << 20,
		UIDBase:         200000,
	}
}

func TestJailBuilderConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultConstructor", func(t *testing.T) {
		builder, err := NewJailBuilder(logger, testJailConfig())
		require.NoError(t, err)
		assert.Equal(t, logger, builder.logger)
		// Default implementation should be set
		assert.NotNil(t, builder.fs)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockFS := &MockFileSystem{}
		cfg := testJailConfig()
		cfg.UIDBase = 0
		fallback := SandboxIdentity{UID: 1234, GID: 1234}

		builder, err := NewJailBuilder(logger, cfg, WithJailFileSystem(mockFS), WithFallbackIdentity(fallback))
		require.NoError(t, err)
		assert.Equal(t, mockFS, builder.fs)
		assert.Equal(t, fallback, builder.fallback)
	})

	t.Run("ScratchWritesFromConfig", func(t *testing.T) {
		cfg := testJailConfig()
		cfg.AllowScratchWrites = true

		builder, err := NewJailBuilder(logger, cfg)
		require.NoError(t, err)
		assert.True(t, builder.policy.AllowScratchWrites)
	})

	t.Run("BadPolicyFile", func(t *testing.T) {
		cfg := testJailConfig()
		cfg.SeccompPolicyFile = "/nonexistent/policy.yaml"

		_, err := NewJailBuilder(logger, cfg)
		require.Error(t, err)
	})
}

func TestJailBuilderBuild(t *testing.T) {
	logger := zaptest.NewLogger(t)
	profile := testPolicy().Defaults
	controller := NewController(4, 4)

	t.Run("Success", func(t *testing.T) {
		mockFS := &MockFileSystem{}
		builder, err := NewJailBuilder(logger, testJailConfig(), WithJailFileSystem(mockFS))
		require.NoError(t, err)

		token, err := controller.TryAdmit("host-a")
		require.NoError(t, err)
		defer token.Release()

		sj, err := builder.Build(profile, token)
		require.NoError(t, err)

		assert.NotEmpty(t, sj.ID)
		assert.Equal(t, "/run/codejail/"+sj.ID, sj.RootDir())
		assert.Equal(t, os.FileMode(JailDirPermission), mockFS.created[sj.RootDir()])
		assert.Equal(t, SandboxIdentity{UID: 200000 + token.Slot(), GID: 200000 + token.Slot()}, sj.Identity)

		req := sj.initRequest([]byte("print(1)"))
		require.NoError(t, req.Validate())
		assert.Equal(t, sj.ID, req.ExecutionID)
		assert.Equal(t, []byte("print(1)"), req.Code)
		assert.Equal(t, jail.Limits{
			CPUTimeSeconds:    2,
			AddressSpaceBytes: 120 << 20,
			FileSizeBytes:     5 << 20,
			Processes:         16,
			OpenFiles:         64,
		}, req.Limits)
		assert.Contains(t, req.Env, "HOME=/scratch")

		// The sealed request itself carries no code.
		assert.Nil(t, sj.request.Code)
	})

	t.Run("DistinctIdentitiesForLiveExecutions", func(t *testing.T) {
		builder, err := NewJailBuilder(logger, testJailConfig(), WithJailFileSystem(&MockFileSystem{}))
		require.NoError(t, err)

		first, err := controller.TryAdmit("host-a")
		require.NoError(t, err)
		defer first.Release()
		second, err := controller.TryAdmit("host-b")
		require.NoError(t, err)
		defer second.Release()

		a, err := builder.Build(profile, first)
		require.NoError(t, err)
		b, err := builder.Build(profile, second)
		require.NoError(t, err)

		assert.NotEqual(t, a.Identity, b.Identity)
		assert.NotEqual(t, a.RootDir(), b.RootDir())
	})

	t.Run("InvalidProfile", func(t *testing.T) {
		builder, err := NewJailBuilder(logger, testJailConfig(), WithJailFileSystem(&MockFileSystem{}))
		require.NoError(t, err)
		token, err := controller.TryAdmit("host-a")
		require.NoError(t, err)
		defer token.Release()

		bad := profile
		bad.MaxProcesses = 0
		_, err = builder.Build(bad, token)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLaunchFailed))
		var launchErr *LaunchError
		require.True(t, errors.As(err, &launchErr))
		assert.Equal(t, "profile", launchErr.Stage)
	})

	t.Run("StateDirFailure", func(t *testing.T) {
		mockFS := &MockFileSystem{mkdirAllErrors: map[string]error{"/run/codejail": os.ErrPermission}}
		builder, err := NewJailBuilder(logger, testJailConfig(), WithJailFileSystem(mockFS))
		require.NoError(t, err)
		token, err := controller.TryAdmit("host-a")
		require.NoError(t, err)
		defer token.Release()

		_, err = builder.Build(profile, token)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLaunchFailed))
		assert.True(t, errors.Is(err, os.ErrPermission))
	})
}

func TestSealedJailSingleUse(t *testing.T) {
	mockFS := &MockFileSystem{}
	builder, err := NewJailBuilder(zaptest.NewLogger(t), testJailConfig(), WithJailFileSystem(mockFS))
	require.NoError(t, err)
	token, err := NewController(1, 1).TryAdmit("host-a")
	require.NoError(t, err)
	defer token.Release()

	sj, err := builder.Build(testPolicy().Defaults, token)
	require.NoError(t, err)

	require.NoError(t, sj.consume())
	assert.ErrorIs(t, sj.consume(), ErrJailConsumed)

	require.NoError(t, sj.Release())
	require.NoError(t, sj.Release())
	assert.Equal(t, []string{sj.RootDir()}, mockFS.removed)
}

func TestSealedJailReleaseFailure(t *testing.T) {
	mockFS := &MockFileSystem{}
	builder, err := NewJailBuilder(zaptest.NewLogger(t), testJailConfig(), WithJailFileSystem(mockFS))
	require.NoError(t, err)
	token, err := NewController(1, 1).TryAdmit("host-a")
	require.NoError(t, err)
	defer token.Release()

	sj, err := builder.Build(testPolicy().Defaults, token)
	require.NoError(t, err)
	mockFS.removeErrors = map[string]error{sj.RootDir(): errors.New("directory not empty")}

	err = sj.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory not empty")
	assert.Equal(t, err, sj.Release())
}

func TestRealFileSystem(t *testing.T) {
	fs := RealFileSystem{}
	dir := t.TempDir() + "/state/exec"

	require.NoError(t, fs.MkdirAll(dir, JailDirPermission))
	exists, err := fs.FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, fs.Remove(dir))
	exists, err = fs.FileExists(dir)
	require.NoError(t, err)
	assert.False(t, exists)
}
