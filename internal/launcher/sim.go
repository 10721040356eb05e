package launcher

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

type simProc struct {
	name string
	done chan struct{}
	once sync.Once
	err  error
}

// SimSpawner runs services as bookkeeping entries instead of real
// processes. It hands out synthetic pids and reports deaths through the
// same channel contract as ExecSpawner, so everything above the Spawner
// boundary behaves identically. Tests and platforms without fork use it.
type SimSpawner struct {
	mu      sync.Mutex
	deaths  chan Death
	nextPID int
	procs   map[int]*simProc
	byName  map[string]int
}

func NewSimSpawner() *SimSpawner {
	return &SimSpawner{
		deaths:  make(chan Death, 128),
		nextPID: 1000,
		procs:   make(map[int]*simProc),
		byName:  make(map[string]int),
	}
}

func (s *SimSpawner) Spawn(req SpawnRequest) (int, error) {
	closeQuiet(req.Stdout)
	closeQuiet(req.Stderr)

	s.mu.Lock()
	s.nextPID++
	pid := s.nextPID
	p := &simProc{name: req.Name, done: make(chan struct{})}
	s.procs[pid] = p
	s.byName[req.Name] = pid
	s.mu.Unlock()

	go func() {
		<-p.done
		s.mu.Lock()
		delete(s.procs, pid)
		if s.byName[req.Name] == pid {
			delete(s.byName, req.Name)
		}
		s.mu.Unlock()
		s.deaths <- Death{PID: pid, ExitErr: p.err, At: time.Now()}
	}()
	return pid, nil
}

// Signal maps the usual termination signals to an immediate simulated
// exit. Signal 0 only probes existence.
func (s *SimSpawner) Signal(pid int, sig os.Signal) error {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("signal: no such simulated process %d", pid)
	}
	switch sig {
	case syscall.Signal(0):
		return nil
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		s.finish(p, fmt.Errorf("terminated by %v", sig))
	case syscall.SIGKILL:
		s.finish(p, fmt.Errorf("killed"))
	}
	return nil
}

func (s *SimSpawner) Alive(pid int) bool {
	s.mu.Lock()
	_, ok := s.procs[pid]
	s.mu.Unlock()
	return ok
}

func (s *SimSpawner) Deaths() <-chan Death { return s.deaths }

// Exit simulates a spontaneous death of the given pid. exitErr nil means
// a clean zero exit.
func (s *SimSpawner) Exit(pid int, exitErr error) bool {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.finish(p, exitErr)
	return true
}

// ExitByName is Exit keyed by service name, for tests that never saw the
// synthetic pid.
func (s *SimSpawner) ExitByName(name string, exitErr error) bool {
	s.mu.Lock()
	pid, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.Exit(pid, exitErr)
}

// Running reports whether a simulated process with the given name exists.
func (s *SimSpawner) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// PID returns the synthetic pid for name, 0 when not running.
func (s *SimSpawner) PID(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[name]
}

func (s *SimSpawner) finish(p *simProc, err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
