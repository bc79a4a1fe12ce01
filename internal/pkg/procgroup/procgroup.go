// Package procgroup runs a child in its own process group so that signals reach the
// whole tree it spawns. A pipeline runner forks its elements; signalling only the
// runner leaves them behind.
package procgroup

import (
	"os"
	"os/exec"
)

// Kill sends SIGKILL to the group led by p. Members that outlived the leader are
// killed too.
func Kill(p *os.Process) error {
	return Signal(p, os.Kill)
}

// Command is exec.Command with the child placed in a new process group
func Command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	Set(cmd)
	return cmd
}
