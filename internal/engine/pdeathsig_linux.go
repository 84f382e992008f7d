package engine

import "syscall"

// setParentDeathSignal has the kernel SIGKILL the child if its parent is
// killed without a chance to stop it.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
