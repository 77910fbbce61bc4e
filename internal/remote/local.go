package remote

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// LocalDialer runs commands with /bin/sh on the worker's own host. It shares
// the executor's timeout and output handling with SSH.
type LocalDialer struct {
	Shell string
}

func (d LocalDialer) Dial(_ context.Context) (Conn, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return localConn{shell: shell}, nil
}

type localConn struct {
	shell string
}

func (c localConn) Run(cmd string, stdout, stderr io.Writer) (int, error) {
	// No CommandContext: a timed-out command keeps running, as it would on
	// a remote host.
	proc := exec.Command(c.shell, "-c", cmd)
	proc.Stdout = stdout
	proc.Stderr = stderr

	err := proc.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (localConn) Close() error { return nil }
