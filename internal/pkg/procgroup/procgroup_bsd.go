//go:build unix && !linux

package procgroup

import "syscall"

func setParentDeath(attr *syscall.SysProcAttr) {}
