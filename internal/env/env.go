package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to launched services. The merge base
// is either empty or a one-time snapshot of the supervisor's own environment
// taken at boot; Merge never reads the live process environment, so
// concurrent launches cannot observe it mid-mutation.
type Env struct {
	Var  Var // global variables from the manifest (K->V)
	base Var // optional snapshot of the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS snapshots the current process environment as the merge base.
// Called once at boot when the manifest enables use_os_env.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.base = base
}

// Set adds or replaces a global variable.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes the final "K=V" slice for one service: snapshot base, then
// global overrides, then per-service overrides in order. ${VAR} references
// in values are expanded against the composed map (single pass, no
// recursion). The result is a fresh slice on every call.
func (e *Env) Merge(perService []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(perService))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perService {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// expand substitutes ${K} references from m; unknown references are left
// intact rather than erased.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
