//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Exit codes used when the target command cannot be started.
const (
	ExitCommandNotExecutable = 126
	ExitCommandNotFound      = 127
)

// Stdio are the standard streams of the sandboxed command.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run consults the trust gate, starts argv inside the sandbox and supervises
// it until it exits. The returned code is the command's own exit code, or 128
// plus the signal number when it died from a signal.
//
// A non-nil error means the sandbox could not be started. A command that
// cannot be found (or executed) is not an error: a shell-style message is
// written to stdio.Stderr and 127 (or 126) is returned.
//
// Signals received on signals are handled as follows:
//   - SIGINT, SIGQUIT and SIGWINCH originate from the terminal and already
//     reached the sandboxed process through the shared process group. They
//     are observed and not forwarded.
//   - SIGTERM and SIGHUP are forwarded to the sandboxed command. If it has not
//     exited after Config.KillGrace, the sandbox is killed.
//   - A second terminating signal kills the sandbox immediately.
//
// Cancelling ctx behaves like SIGTERM.
func (s *Sandbox) Run(ctx context.Context, argv []string, stdio Stdio, signals <-chan os.Signal) (int, error) {
	if s == nil || s.v == nil {
		return 0, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	}

	if len(argv) == 0 {
		return 0, fmt.Errorf("sandbox: %w", ErrNoCommand)
	}

	debugf := s.v.debugf("supervise")

	gate := TrustGate{Store: s.v.cfg.TrustStore, Shell: s.v.cfg.DevShell, Debugf: s.v.cfg.Debugf, Warnf: s.v.cfg.Warnf}
	decision := gate.Decide(ctx, s.v.env.HostEnv, s.v.env.WorkDir)
	env := gate.Apply(ctx, decision, s.v.env.WorkDir, s.baseEnv)

	code, ok := s.precheck(argv[0], env, stdio.Stderr)
	if !ok {
		return code, nil
	}

	sup := &supervisor{
		sandbox: s,
		argv:    argv,
		stdio:   stdio,
		env:     env,
		signals: signals,
		debugf:  debugf,
	}

	mapping := s.identity

	if mapping.Wide {
		code, err := sup.run(ctx, mapping)
		if !errors.Is(err, ErrIdentityMapping) {
			return code, err
		}

		s.v.warnf("supervise")("wide id mapping failed, retrying with a single id: %v", err)

		mapping = mapping.Narrow()
	}

	return sup.run(ctx, mapping)
}

// precheck reports a missing or non-executable target the way a shell would.
func (s *Sandbox) precheck(argv0 string, env SandboxEnvironment, stderr io.Writer) (int, bool) {
	pathDirs := parsePathDirs(env["PATH"], s.v.env.WorkDir)

	_, err := resolveCommand(argv0, pathDirs, s.v.env.WorkDir, s.mounts.HostPath)
	if err == nil {
		return 0, true
	}

	if stderr == nil {
		stderr = io.Discard
	}

	switch {
	case errors.Is(err, ErrCommandNotExecutable):
		_, _ = fmt.Fprintf(stderr, "%s: permission denied\n", argv0)

		return ExitCommandNotExecutable, false
	default:
		_, _ = fmt.Fprintf(stderr, "%s: command not found\n", argv0)

		return ExitCommandNotFound, false
	}
}

type supervisor struct {
	sandbox *Sandbox
	argv    []string
	stdio   Stdio
	env     SandboxEnvironment
	signals <-chan os.Signal
	debugf  func(string, ...any)
}

// bwrapInfo is the JSON object bwrap writes to --info-fd.
type bwrapInfo struct {
	ChildPID int `json:"child-pid"`
}

type waitResult struct {
	state *os.ProcessState
	err   error
}

// run performs one launch attempt. Setup failures of a wide mapping are
// reported as ErrIdentityMapping after the attempt has been torn down.
func (sup *supervisor) run(ctx context.Context, mapping IdentityMapping) (int, error) {
	// The command is not bound to ctx: cancellation goes through the same
	// graceful path as SIGTERM.
	l, err := sup.sandbox.newLaunch(context.WithoutCancel(ctx), sup.argv, launchOptions{
		mapping:   mapping,
		env:       sup.env,
		handshake: true,
	})
	if err != nil {
		return 0, err
	}

	defer func() { _ = l.cleanup() }()

	cmd := l.cmd
	cmd.Stdin = sup.stdio.Stdin
	cmd.Stdout = sup.stdio.Stdout
	cmd.Stderr = sup.stdio.Stderr

	err = cmd.Start()
	if err != nil {
		return 0, fmt.Errorf("sandbox: start bwrap: %w", err)
	}

	l.closeChildEnds()

	waitCh := make(chan waitResult, 1)

	go func() {
		err := cmd.Wait()
		waitCh <- waitResult{state: cmd.ProcessState, err: err}
	}()

	infoCh := make(chan bwrapInfo, 1)

	go func() {
		var info bwrapInfo

		decodeErr := json.NewDecoder(l.info).Decode(&info)
		if decodeErr != nil {
			sup.debugf("read bwrap info: %v", decodeErr)
		}

		infoCh <- info
	}()

	var initPID int

	select {
	case info := <-infoCh:
		initPID = info.ChildPID
	case res := <-waitCh:
		if mapping.Wide {
			return 0, fmt.Errorf("%w: bwrap exited during setup: %s", ErrIdentityMapping, describeWait(res))
		}

		return exitCodeFromState(res.state), nil
	}

	sup.debugf("bwrap pid=%d sandbox init pid=%d wide=%t", cmd.Process.Pid, initPID, mapping.Wide)

	if mapping.Wide {
		err := sup.releaseWide(ctx, l, initPID, mapping)
		if err != nil {
			_ = cmd.Process.Kill()
			<-waitCh

			return 0, err
		}
	}

	return sup.wait(ctx, cmd, initPID, waitCh), nil
}

// releaseWide programs the id maps of the blocked namespace and lets bwrap
// continue.
func (sup *supervisor) releaseWide(ctx context.Context, l *launch, initPID int, mapping IdentityMapping) error {
	if initPID <= 0 {
		return fmt.Errorf("%w: bwrap did not report the sandbox pid", ErrIdentityMapping)
	}

	err := writeIDMaps(ctx, initPID, mapping)
	if err != nil {
		return err
	}

	_, err = l.block.Write([]byte{1})
	if err != nil {
		return fmt.Errorf("%w: release namespace: %w", ErrIdentityMapping, err)
	}

	_ = l.block.Close()

	return nil
}

// wait supervises a started sandbox until bwrap exits.
func (sup *supervisor) wait(ctx context.Context, cmd *exec.Cmd, initPID int, waitCh <-chan waitResult) int {
	grace := sup.sandbox.v.cfg.KillGrace

	var (
		killTimer   <-chan time.Time
		terminating bool
	)

	terminate := func(sig syscall.Signal) {
		if terminating {
			sup.debugf("second %s, killing sandbox", sig)
			_ = cmd.Process.Kill()

			return
		}

		terminating = true

		sup.forward(cmd, initPID, sig)

		timer := time.NewTimer(grace)
		killTimer = timer.C
	}

	ctxDone := ctx.Done()

	for {
		select {
		case res := <-waitCh:
			code := exitCodeFromState(res.state)
			sup.debugf("bwrap exited: %s code=%d", describeWait(res), code)

			return code

		case sig, ok := <-sup.signals:
			if !ok {
				sup.signals = nil

				continue
			}

			sysSig, isSys := sig.(syscall.Signal)
			if !isSys {
				continue
			}

			switch sysSig {
			// A terminal INT or QUIT also reaches bwrap, which keeps the default
			// disposition and dies; --die-with-parent then kills the command
			// and the wait below reports 128+signal.
			case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGWINCH:
				sup.debugf("%s delivered through the process group", sysSig)
			case syscall.SIGTERM, syscall.SIGHUP:
				terminate(sysSig)
			default:
				sup.forward(cmd, initPID, sysSig)
			}

		case <-ctxDone:
			ctxDone = nil

			sup.debugf("context done: %v", ctx.Err())
			terminate(syscall.SIGTERM)

		case <-killTimer:
			killTimer = nil

			sup.debugf("grace period %s elapsed, killing sandbox", grace)
			_ = cmd.Process.Kill()
		}
	}
}

// forward delivers sig to the processes running under the sandbox init. If
// there are none yet, bwrap itself gets the signal.
func (sup *supervisor) forward(cmd *exec.Cmd, initPID int, sig syscall.Signal) {
	targets := payloadPIDs(initPID)
	if len(targets) == 0 {
		targets = []int{cmd.Process.Pid}
	}

	for _, pid := range targets {
		err := unix.Kill(pid, sig)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			sup.debugf("forward %s to %d: %v", sig, pid, err)

			continue
		}

		sup.debugf("forwarded %s to %d", sig, pid)
	}
}

// payloadPIDs returns the host pids of the direct children of the sandbox
// init process.
func payloadPIDs(initPID int) []int {
	if initPID <= 0 {
		return nil
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", initPID, initPID))
	if err != nil {
		return nil
	}

	var pids []int

	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}

	return pids
}

func describeWait(res waitResult) string {
	if res.state != nil {
		return res.state.String()
	}

	if res.err != nil {
		return res.err.Error()
	}

	return "unknown"
}
