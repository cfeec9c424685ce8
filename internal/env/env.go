package env

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

type Var map[string]string

// Env composes a worker environment from layers applied in call order:
// typically the supervisor's own environment, then env files, then explicit
// K=V entries. Later layers override earlier ones.
type Env struct {
	vars Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS layers the current process environment.
func (e *Env) FromOS() *Env {
	return e.Apply(os.Environ())
}

// Set sets K=V. Empty keys are ignored.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
	return e
}

// Apply layers a list of "K=V" entries. Entries without '=' or with an
// empty key are skipped.
func (e *Env) Apply(kvs []string) *Env {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e
}

// LoadFile layers a .env file: KEY=VALUE lines, '#' comments, optional
// "export " prefix and surrounding quotes.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return fmt.Errorf("env file %s line %d: expected KEY=VALUE", path, n+1)
		}
		e.Set(strings.TrimSpace(line[:i]), unquote(strings.TrimSpace(line[i+1:])))
	}
	return nil
}

// Lookup returns the raw (unexpanded) value of k.
func (e *Env) Lookup(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// Environ returns the composed environment as sorted "K=V" entries with
// ${VAR} references expanded one level against the composed set.
// References to unknown variables are left as written.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+expand(v, e.vars))
	}
	slices.Sort(out)
	return out
}

var ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return ref.ReplaceAllStringFunc(s, func(match string) string {
		if v, ok := m[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
