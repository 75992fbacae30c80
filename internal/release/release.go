// Package release builds and uploads the Python SDK packages to PyPI. It
// backs the `ensync deploy` and `ensync deploy-all` commands.
package release

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Packages is the deploy-all order. It is applied as listed even though
// OrderWarning says otherwise.
var Packages = []string{"ensync-core", "ensync-sdk-ws", "ensync-sdk"}

// OrderWarning is printed before a deploy-all run.
const OrderWarning = "⚠️  Note: ensync-sdk-ws must be deployed first since the other packages depend on it"

// Messages printed on the fixed exit paths.
const (
	MsgSetupNotFound   = "Error: setup.py not found. Please run this script from the package directory."
	MsgCancelled       = "Deployment cancelled."
	MsgTwineMissing    = "Error: twine is not installed. Install it with: pip install twine"
	msgPackageNotFound = "Error: %s directory not found. Please run this script from the repository root."
)

var versionPattern = regexp.MustCompile(`version\s*=\s*["']([^"']+)["']`)

// ExitError carries the process exit status for a failed run.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode is the status the process should exit with.
func (e *ExitError) ExitCode() int {
	if e.Code == 0 {
		return 1
	}
	return e.Code
}

func exitf(format string, args ...any) *ExitError {
	return &ExitError{Code: 1, Err: fmt.Errorf(format, args...)}
}

//go:generate mockgen -package=release -destination=mock_runner_test.go github.com/odvcencio/ensync/internal/release commandRunner
type commandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
	LookPath(name string) (string, error)
}

type execRunner struct {
	stdout io.Writer
	stderr io.Writer
}

func (r execRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Deployer runs the release steps, asking for confirmation on in.
type Deployer struct {
	in     *bufio.Reader
	out    io.Writer
	runner commandRunner

	// Python is the interpreter used for setup.py. Defaults to "python".
	Python string
}

// NewDeployer returns a Deployer that prompts on in and reports to out.
// Child process output goes to out as well.
func NewDeployer(in io.Reader, out io.Writer) *Deployer {
	return &Deployer{
		in:     bufio.NewReader(in),
		out:    out,
		runner: execRunner{stdout: out, stderr: out},
		Python: "python",
	}
}

// GetVersion reads the version argument out of a setup.py file.
func GetVersion(setupPy string) (string, error) {
	data, err := os.ReadFile(setupPy)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", setupPy, err)
	}
	m := versionPattern.FindSubmatch(data)
	if m == nil {
		return "", fmt.Errorf("no version found in %s", setupPy)
	}
	return string(m[1]), nil
}

// Deploy releases the package in dir. Declining the prompt is not an error.
func (d *Deployer) Deploy(ctx context.Context, dir string) error {
	setupPy := filepath.Join(dir, "setup.py")
	if _, err := os.Stat(setupPy); err != nil {
		fmt.Fprintln(d.out, MsgSetupNotFound)
		return exitf("setup.py not found in %s", dir)
	}

	version, err := GetVersion(setupPy)
	if err != nil {
		return d.fail(err)
	}
	name := filepath.Base(absOr(dir))

	fmt.Fprintf(d.out, "📦 Deploying %s version %s to PyPI\n", name, version)
	if !d.confirm("Continue with deployment? (y/n) ") {
		fmt.Fprintln(d.out, MsgCancelled)
		return nil
	}

	if err := d.release(ctx, dir); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "✅ %s %s deployed successfully\n", name, version)
	return nil
}

// DeployAll releases every package under root in Packages order, asking
// before each one.
func (d *Deployer) DeployAll(ctx context.Context, root string) error {
	for _, pkg := range Packages {
		if info, err := os.Stat(filepath.Join(root, pkg)); err != nil || !info.IsDir() {
			fmt.Fprintf(d.out, msgPackageNotFound+"\n", pkg)
			return exitf("package directory %s not found under %s", pkg, root)
		}
	}
	if _, err := d.runner.LookPath("twine"); err != nil {
		fmt.Fprintln(d.out, MsgTwineMissing)
		return exitf("twine not found: %v", err)
	}

	fmt.Fprintln(d.out, OrderWarning)
	fmt.Fprintln(d.out)

	deployed := 0
	for _, pkg := range Packages {
		dir := filepath.Join(root, pkg)
		version, err := GetVersion(filepath.Join(dir, "setup.py"))
		if err != nil {
			return d.fail(err)
		}

		fmt.Fprintf(d.out, "📦 %s (version %s)\n", pkg, version)
		if !d.confirm(fmt.Sprintf("Deploy %s? (y/n) ", pkg)) {
			fmt.Fprintf(d.out, "Skipping %s\n\n", pkg)
			continue
		}
		if err := d.release(ctx, dir); err != nil {
			return err
		}
		fmt.Fprintf(d.out, "✅ %s %s deployed\n\n", pkg, version)
		deployed++
	}

	fmt.Fprintf(d.out, "Done: %d of %d packages deployed\n", deployed, len(Packages))
	return nil
}

// release cleans, builds, checks and uploads one package, stopping at the
// first failure.
func (d *Deployer) release(ctx context.Context, dir string) error {
	fmt.Fprintln(d.out, "🧹 Cleaning previous builds...")
	if err := clean(dir); err != nil {
		return d.fail(err)
	}

	fmt.Fprintln(d.out, "🔨 Building package...")
	if err := d.runner.Run(ctx, dir, d.Python, "setup.py", "sdist", "bdist_wheel"); err != nil {
		return d.fail(err)
	}

	dists, err := filepath.Glob(filepath.Join(dir, "dist", "*"))
	if err != nil || len(dists) == 0 {
		return d.fail(fmt.Errorf("no distributions were built in %s", filepath.Join(dir, "dist")))
	}
	for i, p := range dists {
		dists[i], _ = filepath.Rel(dir, p)
	}

	fmt.Fprintln(d.out, "🔍 Checking package...")
	if err := d.runner.Run(ctx, dir, "twine", append([]string{"check"}, dists...)...); err != nil {
		return d.fail(err)
	}

	fmt.Fprintln(d.out, "🚀 Uploading to PyPI...")
	if err := d.runner.Run(ctx, dir, "twine", append([]string{"upload"}, dists...)...); err != nil {
		return d.fail(err)
	}
	return nil
}

func (d *Deployer) fail(err error) *ExitError {
	fmt.Fprintf(d.out, "❌ %v\n", err)
	return &ExitError{Code: 1, Err: err}
}

func (d *Deployer) confirm(prompt string) bool {
	fmt.Fprint(d.out, prompt)
	line, err := d.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	answer := strings.TrimSpace(line)
	fmt.Fprintln(d.out)
	return answer == "y" || answer == "Y"
}

// clean removes build output left by earlier runs.
func clean(dir string) error {
	targets := []string{filepath.Join(dir, "build"), filepath.Join(dir, "dist")}
	eggs, err := filepath.Glob(filepath.Join(dir, "*.egg-info"))
	if err != nil {
		return err
	}
	for _, p := range append(targets, eggs...) {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func absOr(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
