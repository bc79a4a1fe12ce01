//go:build !unix

package procgroup

import (
	"os"
	"os/exec"
)

// Set is a no-op where process groups are not available
func Set(cmd *exec.Cmd) {}

// Signal falls back to signalling p alone
func Signal(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}
