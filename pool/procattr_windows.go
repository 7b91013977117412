//go:build windows

package pool

import (
	"os/exec"
	"syscall"
)

// setPlatformProcAttr puts the worker subprocess in its own process
// group on Windows via CREATE_NEW_PROCESS_GROUP, mirroring the unix
// Setpgid split (see procattr_unix.go).
func setPlatformProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
