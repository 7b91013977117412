//go:build !windows

package pool

import (
	"os/exec"
	"syscall"
)

// setPlatformProcAttr puts the worker subprocess in its own process
// group. The dispose-time kill in waitOrKill (ipc/process.go) signals
// only the worker process itself, not other members of that group.
// Grounded on the cmd.SysProcAttr = LlamaServerSysProcAttr assignment in
// llm/server_runner.go:46; the per-OS build-tag split itself is this
// repo's own convention for keeping SysProcAttr out of the shared
// launcher code.
func setPlatformProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
