package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-executes the current command in a new session and exits
// the parent. The child runs with --daemonize stripped so it takes the
// foreground serve path.
func daemonize(pidFile string, logFile string) error {
	if os.Getppid() == 1 {
		// already reparented to init
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := stripDaemonArgs(os.Args[1:])
	if pidFile != "" {
		args = append(args, "--pidfile", pidFile)
	}

	// #nosec 204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	fmt.Printf("daemon started with pid %d\n", cmd.Process.Pid)

	os.Exit(0)
	return nil
}

// stripDaemonArgs removes --daemonize, --pidfile and --logfile (plus their
// values) so the child does not daemonize again. Both "--flag value" and
// "--flag=value" spellings are handled.
func stripDaemonArgs(in []string) []string {
	var out []string
	skipNext := false
	for _, arg := range in {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize":
			continue
		case arg == "--pidfile" || arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--daemonize="),
			strings.HasPrefix(arg, "--pidfile="),
			strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// writePidFile writes the daemon pid to a file.
func writePidFile(pidFile string, pid int) error {
	// #nosec 302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the pid file.
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
