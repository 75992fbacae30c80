package release

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func writeSetupPy(t *testing.T, dir, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "from setuptools import setup\n\nsetup(\n    name=\"" + filepath.Base(dir) + "\",\n    version=\"" + version + "\",\n)\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.py"), []byte(content), 0o644))
}

func newTestDeployer(t *testing.T, answers string) (*Deployer, *MockcommandRunner, *bytes.Buffer) {
	t.Helper()
	ctrl := gomock.NewController(t)
	runner := NewMockcommandRunner(ctrl)
	out := &bytes.Buffer{}
	d := NewDeployer(strings.NewReader(answers), out)
	d.runner = runner
	return d, runner, out
}

// expectRelease records the build, check and upload steps for dir. The build
// step leaves a wheel and an sdist behind.
func expectRelease(runner *MockcommandRunner, dir string) *gomock.Call {
	build := runner.EXPECT().Run(gomock.Any(), dir, "python", "setup.py", "sdist", "bdist_wheel").
		DoAndReturn(func(_ context.Context, dir, _ string, _ ...string) error {
			dist := filepath.Join(dir, "dist")
			if err := os.MkdirAll(dist, 0o755); err != nil {
				return err
			}
			for _, f := range []string{"pkg-1.0.tar.gz", "pkg-1.0-py3-none-any.whl"} {
				if err := os.WriteFile(filepath.Join(dist, f), nil, 0o644); err != nil {
					return err
				}
			}
			return nil
		})
	dists := []any{filepath.Join("dist", "pkg-1.0-py3-none-any.whl"), filepath.Join("dist", "pkg-1.0.tar.gz")}
	check := runner.EXPECT().Run(gomock.Any(), dir, "twine", append([]any{"check"}, dists...)...).Return(nil).After(build)
	return runner.EXPECT().Run(gomock.Any(), dir, "twine", append([]any{"upload"}, dists...)...).Return(nil).After(check)
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestGetVersion(t *testing.T) {
	dir := t.TempDir()
	writeSetupPy(t, dir, "0.4.0")

	version, err := GetVersion(filepath.Join(dir, "setup.py"))
	require.NoError(t, err)
	assert.Equal(t, "0.4.0", version)
}

func TestGetVersionSingleQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "setup.py")
	require.NoError(t, os.WriteFile(path, []byte("setup(name='x', version = '1.2.3rc1')"), 0o644))

	version, err := GetVersion(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3rc1", version)
}

func TestGetVersionMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "setup.py")
	require.NoError(t, os.WriteFile(path, []byte("setup(name='x')"), 0o644))

	_, err := GetVersion(path)
	assert.Error(t, err)
}

func TestDeployWithoutSetupPy(t *testing.T) {
	d, _, out := newTestDeployer(t, "y\n")

	err := d.Deploy(context.Background(), t.TempDir())
	assert.Equal(t, 1, exitCode(err))
	assert.True(t, strings.HasPrefix(out.String(), "Error: setup.py not found"), out.String())
}

func TestDeployCancelled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ensync-core")
	writeSetupPy(t, dir, "0.4.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))

	// No runner expectations: any command fails the test.
	d, _, out := newTestDeployer(t, "n\n")

	err := d.Deploy(context.Background(), dir)
	assert.Equal(t, 0, exitCode(err))
	assert.Contains(t, out.String(), "Deployment cancelled.")
	assert.DirExists(t, filepath.Join(dir, "dist"), "nothing is cleaned when cancelled")
}

func TestDeployRunsStepsInOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ensync-core")
	writeSetupPy(t, dir, "0.4.0")
	stale := filepath.Join(dir, "ensync_core.egg-info")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "build", "lib"), 0o755))

	d, runner, out := newTestDeployer(t, "y\n")
	expectRelease(runner, dir)

	require.NoError(t, d.Deploy(context.Background(), dir))
	assert.NoDirExists(t, stale)
	assert.NoDirExists(t, filepath.Join(dir, "build"))
	assert.Contains(t, out.String(), "ensync-core version 0.4.0")
	assert.Contains(t, out.String(), "deployed successfully")
}

func TestDeployStopsAtFirstFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ensync-core")
	writeSetupPy(t, dir, "0.4.0")

	d, runner, _ := newTestDeployer(t, "y\n")
	runner.EXPECT().Run(gomock.Any(), dir, "python", "setup.py", "sdist", "bdist_wheel").Return(errors.New("exit status 1"))

	err := d.Deploy(context.Background(), dir)
	assert.Equal(t, 1, exitCode(err))
}

func TestDeployAllMissingPackage(t *testing.T) {
	for _, missing := range Packages {
		t.Run(missing, func(t *testing.T) {
			root := t.TempDir()
			for _, pkg := range Packages {
				if pkg != missing {
					writeSetupPy(t, filepath.Join(root, pkg), "1.0.0")
				}
			}
			d, _, out := newTestDeployer(t, "")

			err := d.DeployAll(context.Background(), root)
			assert.Equal(t, 1, exitCode(err))
			assert.Contains(t, out.String(), "Error: "+missing+" directory not found")
		})
	}
}

func TestDeployAllMissingTwine(t *testing.T) {
	root := t.TempDir()
	for _, pkg := range Packages {
		writeSetupPy(t, filepath.Join(root, pkg), "1.0.0")
	}
	d, runner, out := newTestDeployer(t, "")
	runner.EXPECT().LookPath("twine").Return("", errors.New("executable file not found in $PATH"))

	err := d.DeployAll(context.Background(), root)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out.String(), MsgTwineMissing)
}

func TestDeployAllFollowsListOrderDespiteWarning(t *testing.T) {
	root := t.TempDir()
	for _, pkg := range Packages {
		writeSetupPy(t, filepath.Join(root, pkg), "1.0.0")
	}
	d, runner, out := newTestDeployer(t, "y\ny\ny\n")
	runner.EXPECT().LookPath("twine").Return("/usr/bin/twine", nil)

	var prev *gomock.Call
	for _, pkg := range Packages {
		last := expectRelease(runner, filepath.Join(root, pkg))
		if prev != nil {
			last.After(prev)
		}
		prev = last
	}

	require.NoError(t, d.DeployAll(context.Background(), root))

	text := out.String()
	assert.Contains(t, text, OrderWarning)
	core := strings.Index(text, "📦 ensync-core")
	ws := strings.Index(text, "📦 ensync-sdk-ws")
	sdk := strings.Index(text, "📦 ensync-sdk (")
	assert.True(t, core < ws && ws < sdk, "packages out of order:\n%s", text)
	assert.Contains(t, text, "3 of 3 packages deployed")
}

func TestDeployAllSkipsDeclinedPackages(t *testing.T) {
	root := t.TempDir()
	for _, pkg := range Packages {
		writeSetupPy(t, filepath.Join(root, pkg), "1.0.0")
	}
	d, runner, out := newTestDeployer(t, "n\ny\nn\n")
	runner.EXPECT().LookPath("twine").Return("/usr/bin/twine", nil)
	expectRelease(runner, filepath.Join(root, "ensync-sdk-ws"))

	require.NoError(t, d.DeployAll(context.Background(), root))
	assert.Contains(t, out.String(), "Skipping ensync-core")
	assert.Contains(t, out.String(), "Skipping ensync-sdk\n")
	assert.Contains(t, out.String(), "1 of 3 packages deployed")
}
