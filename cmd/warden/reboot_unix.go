//go:build !windows

package main

import (
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// platformReboot flushes filesystem buffers and hands the box to the
// system reboot command. It never blocks the caller; the supervisor keeps
// running until init takes the system down.
func platformReboot(reason string, delay time.Duration) {
	slog.Warn("system reboot requested", "reason", reason, "delay", delay)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		syscall.Sync()
		path, err := exec.LookPath("reboot")
		if err != nil {
			path = "/sbin/reboot"
		}
		if out, err := exec.Command(path).CombinedOutput(); err != nil {
			slog.Error("reboot command failed", "path", path, "error", err, "output", string(out))
		}
	}()
}
