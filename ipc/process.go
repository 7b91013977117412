package ipc

import (
	"os/exec"
	"time"
)

// waitOrKill waits up to 5 seconds for the subprocess to exit cleanly
// after stdin was closed, then forces termination. Grounded on
// x/imagegen/server.go's Close, which applies the same
// grace-period-then-kill shape to an HTTP-bridged subprocess.
func waitOrKill(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-done
	}
}
