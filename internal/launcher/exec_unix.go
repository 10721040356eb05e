//go:build !windows

package launcher

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ExecSpawner forks real children via os/exec. Each child gets its own
// process group so signals reach the whole tree, and a waiter goroutine
// funnels every exit into the shared deaths channel. Descriptors other
// than stdio are never inherited; the runtime opens everything CLOEXEC.
type ExecSpawner struct {
	mu     sync.Mutex
	deaths chan Death
	known  map[int]struct{}
}

func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{
		deaths: make(chan Death, 128),
		known:  make(map[int]struct{}),
	}
}

func (s *ExecSpawner) Spawn(req SpawnRequest) (int, error) {
	argv := req.Args
	if len(argv) == 0 {
		argv = []string{req.Path}
	}
	cmd := exec.Command(req.Path, argv[1:]...)
	cmd.Args = argv
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if req.Stdout != nil {
		cmd.Stdout = req.Stdout
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if req.Stderr != nil {
		cmd.Stderr = req.Stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	s.mu.Lock()
	s.known[pid] = struct{}{}
	s.mu.Unlock()

	go s.wait(pid, cmd, req)
	return pid, nil
}

// wait collects one child and reports its death. Writers are closed only
// after Wait so late output is not lost.
func (s *ExecSpawner) wait(pid int, cmd *exec.Cmd, req SpawnRequest) {
	err := cmd.Wait()
	closeQuiet(req.Stdout)
	closeQuiet(req.Stderr)

	s.mu.Lock()
	delete(s.known, pid)
	s.mu.Unlock()

	s.deaths <- Death{PID: pid, ExitErr: err, At: time.Now()}
}

// Signal delivers sig to the child's process group so helper processes it
// spawned are covered too.
func (s *ExecSpawner) Signal(pid int, sig os.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal: invalid pid %d", pid)
	}
	ssig, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("signal: unsupported signal %v", sig)
	}
	return syscall.Kill(-pid, ssig)
}

// Alive probes the process with a null signal. A Linux zombie still
// answers kill(0), so /proc state Z is treated as dead; the waiter will
// report it shortly.
func (s *ExecSpawner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (s *ExecSpawner) Deaths() <-chan Death { return s.deaths }

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
