//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const firstExtraFD = 3

// ErrNoCommand is returned when argv is empty.
var ErrNoCommand = errors.New("no command provided")

// Command constructs an unstarted [exec.Cmd] that would run argv inside the
// sandbox with narrow identity mapping and the base sandbox environment. The
// trust gate is not consulted. The returned cleanup function must be called to
// release resources (inherited FDs). Cleanup is safe to call multiple times.
//
// The returned *[exec.Cmd] is NOT started. Callers may set Stdin/Stdout/Stderr
// and then call Run/Start/Wait. Use [Sandbox.Run] for supervised execution.
func (s *Sandbox) Command(ctx context.Context, argv []string) (*exec.Cmd, func() error, error) {
	if s == nil || s.v == nil {
		return nil, func() error { return nil }, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	}

	l, err := s.newLaunch(ctx, argv, launchOptions{mapping: s.identity.Narrow(), env: s.baseEnv})
	if err != nil {
		return nil, func() error { return nil }, err
	}

	return l.cmd, l.cleanup, nil
}

// launchOptions select the per-run parts of a bwrap invocation.
type launchOptions struct {
	mapping IdentityMapping
	env     SandboxEnvironment

	// handshake requests --info-fd, and --userns-block-fd for wide mappings.
	handshake bool
}

// launch is one prepared bwrap invocation.
type launch struct {
	cmd     *exec.Cmd
	cleanup func() error

	// info is the read end of bwrap's --info-fd pipe. nil without handshake.
	info *os.File
	// block is the write end of the --userns-block-fd pipe. nil unless the
	// mapping is wide.
	block *os.File
	// childEnds are the pipe ends handed to bwrap. They must be closed in the
	// parent once bwrap has started.
	childEnds []*os.File
}

func (s *Sandbox) newLaunch(ctx context.Context, argv []string, opts launchOptions) (*launch, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: %w", ErrNoCommand)
	}

	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
	}

	debugf := s.v.debugf("command")

	var cleanupFuncs []func() error

	cleanupAll := func() error {
		var errs []error

		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			err := cleanupFuncs[i]()
			if err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	}

	fail := func(cause error) (*launch, error) {
		return nil, errors.Join(cause, cleanupAll())
	}

	bwrapArgs := slices.Clone(s.bwrapArgs)

	var extraFiles []*os.File

	if s.needsEmptyFile {
		// Hidden files are masked by mounting an unreadable empty file over
		// them. The planner emits a placeholder FD in the bwrap argv, and it is
		// substituted here with an inherited FD that always reads as empty.
		devNullFile, err := os.Open(os.DevNull)
		if err != nil {
			return fail(fmt.Errorf("open %s for empty hidden-file source: %w", os.DevNull, err))
		}

		extraFiles = append(extraFiles, devNullFile)
		cleanupFuncs = append(cleanupFuncs, closeFilesOnce([]*os.File{devNullFile}))

		replaceArg(bwrapArgs, emptyDataFDPlaceholder, strconv.Itoa(firstExtraFD+len(extraFiles)-1))

		if slices.Contains(bwrapArgs, emptyDataFDPlaceholder) {
			return fail(internalErrorf("Command", "empty-data FD placeholder not replaced"))
		}
	}

	dataFiles := userDBFiles(s.v.env, shellPath(&s.v.cfg), nologinShell(s.v.cfg.Profile), opts.mapping)

	dataArgs, files, err := roBindDataArgs(dataFiles, firstExtraFD+len(extraFiles))
	if err != nil {
		return fail(err)
	}

	extraFiles = append(extraFiles, files...)
	bwrapArgs = append(bwrapArgs, dataArgs...)
	cleanupFuncs = append(cleanupFuncs, closeFilesOnce(files))

	l := &launch{}

	if !opts.mapping.Wide {
		bwrapArgs = append(bwrapArgs,
			"--uid", strconv.Itoa(opts.mapping.HostUID),
			"--gid", strconv.Itoa(opts.mapping.HostGID),
		)
	}

	if opts.handshake {
		infoR, infoW, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("create info pipe: %w", err))
		}

		l.info = infoR
		l.childEnds = append(l.childEnds, infoW)
		cleanupFuncs = append(cleanupFuncs, closeFilesOnce([]*os.File{infoR, infoW}))

		extraFiles = append(extraFiles, infoW)
		bwrapArgs = append(bwrapArgs, "--info-fd", strconv.Itoa(firstExtraFD+len(extraFiles)-1))

		if opts.mapping.Wide {
			blockR, blockW, err := os.Pipe()
			if err != nil {
				return fail(fmt.Errorf("create userns block pipe: %w", err))
			}

			l.block = blockW
			l.childEnds = append(l.childEnds, blockR)
			cleanupFuncs = append(cleanupFuncs, closeFilesOnce([]*os.File{blockR, blockW}))

			extraFiles = append(extraFiles, blockR)
			bwrapArgs = append(bwrapArgs, "--userns-block-fd", strconv.Itoa(firstExtraFD+len(extraFiles)-1))
		}
	} else if opts.mapping.Wide {
		return fail(internalErrorf("newLaunch", "wide mapping requires the handshake"))
	}

	args := make([]string, 0, len(bwrapArgs)+1+len(argv))
	args = append(args, bwrapArgs...)
	args = append(args, "--")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, bwrapPath, args...)
	cmd.Dir = s.v.env.WorkDir
	cmd.Env = opts.env.Slice()

	if len(extraFiles) > 0 {
		cmd.ExtraFiles = extraFiles
	}

	debugf("argv0=%q bwrap=%q bwrapArgs=%d extraFiles=%d wide=%t handshake=%t", argv[0], bwrapPath, len(bwrapArgs), len(extraFiles), opts.mapping.Wide, opts.handshake)

	l.cmd = cmd
	l.cleanup = cleanupAll

	return l, nil
}

// closeChildEnds releases the parent's copies of the pipe ends inherited by
// bwrap, so reads on info see EOF once bwrap closes its end.
func (l *launch) closeChildEnds() {
	_ = closeFiles(l.childEnds...)
	l.childEnds = nil
}

// envMapToSliceSorted converts a map env to a sorted KEY=VALUE slice.
//
// Sorting improves determinism in tests and makes debug output stable.
func envMapToSliceSorted(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

func replaceArg(args []string, placeholder, value string) {
	for i, arg := range args {
		if arg == placeholder {
			args[i] = value
		}
	}
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFiles(files...)
		})

		return outErr
	}
}

func closeFiles(files ...*os.File) error {
	var errs []error

	for _, f := range files {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// roBindDataArgs materializes synthesized files into bwrap args and
// ExtraFiles.
//
// It allocates one backing file per entry, writes the data into it, rewinds
// it, and returns it as an inherited file.
func roBindDataArgs(dataFiles []DataFile, firstChildFD int) ([]string, []*os.File, error) {
	args := make([]string, 0, len(dataFiles)*5)
	files := make([]*os.File, 0, len(dataFiles))

	closeOnError := func(cause error) error {
		closeErr := closeFiles(files...)

		return errors.Join(cause, closeErr)
	}

	for i, df := range dataFiles {
		backingFile, err := newRoBindDataBackingFile()
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("create backing file for %q: %w", df.Destination, err))
		}

		files = append(files, backingFile)

		_, err = backingFile.WriteString(df.Data)
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("write data for %q: %w", df.Destination, err))
		}

		_, err = backingFile.Seek(0, 0)
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("rewind data for %q: %w", df.Destination, err))
		}

		mountArgs, err := mountToArgs(mountOp{Kind: mountRoBindData, Dst: df.Destination, FD: firstChildFD + i, Perms: df.Perms})
		if err != nil {
			return nil, nil, closeOnError(err)
		}

		args = append(args, mountArgs...)
	}

	return args, files, nil
}

func newRoBindDataBackingFile() (*os.File, error) {
	fd, err := unix.MemfdCreate("yolo-ro-bind-data", unix.MFD_CLOEXEC)
	if err == nil {
		memFile := os.NewFile(uintptr(fd), "yolo-ro-bind-data")
		if memFile == nil {
			closeErr := unix.Close(fd)

			return nil, errors.Join(
				internalErrorf("newRoBindDataBackingFile", "os.NewFile returned nil"),
				closeErr,
			)
		}

		return memFile, nil
	}

	// Fall back to an unlinked temp file. bwrap reads the content via the
	// inherited FD, not by path.
	tempFile, tmpErr := os.CreateTemp("", "yolo-ro-bind-data-*")
	if tmpErr != nil {
		return nil, errors.Join(
			fmt.Errorf("memfd_create: %w", err),
			fmt.Errorf("create temp file: %w", tmpErr),
		)
	}

	_ = os.Remove(tempFile.Name())

	return tempFile, nil
}
