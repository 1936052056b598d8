//go:build unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the worker in its own process group so that helpers
// it spawns (browsers, drivers) are signalled together with it.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil || pgid != p.Pid {
		// Not the leader of its own group (or already reaped): signal only
		// the process itself.
		return p.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}
