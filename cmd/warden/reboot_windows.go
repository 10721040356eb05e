//go:build windows

package main

import (
	"log/slog"
	"os/exec"
	"time"
)

// platformReboot asks Windows for an immediate restart.
func platformReboot(reason string, delay time.Duration) {
	slog.Warn("system reboot requested", "reason", reason, "delay", delay)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if out, err := exec.Command("shutdown", "/r", "/t", "0").CombinedOutput(); err != nil {
			slog.Error("reboot command failed", "error", err, "output", string(out))
		}
	}()
}
