//go:build linux

package supervisor

import "syscall"

// sysProcAttr puts a spawned driver host in its own process group. Pdeathsig
// is a Linux-only safety net: if this process dies without running Shutdown,
// the kernel sends SIGTERM to the hosts it spawned.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
