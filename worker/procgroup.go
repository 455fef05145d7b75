package worker

import (
	"syscall"

	"github.com/golang/glog"
)

// newProcessGroupAttr places the test subprocess in its own process group so
// a timeout can kill the whole tree (spec §4.4 step 3), mirroring run_test's
// psutil-based recursive terminate.
func newProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group rooted at pid.
func killProcessGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		glog.Errorf("worker: kill process group %d: %v", pid, err)
	}
}
