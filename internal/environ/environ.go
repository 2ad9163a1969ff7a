// Package environ computes the environment for PTY-spawned shells.
//
// Desktop apps are often started with a minimal PATH and TERM=dumb, which
// leaves shells inside the PTY unable to find user toolchains or render
// color. Resolve repairs both from the host environment.
package environ

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTerm      = "xterm-256color"
	DefaultColorTerm = "truecolor"
)

// placeholderTerms are TERM values set by non-interactive launchers.
var placeholderTerms = map[string]bool{
	"dumb":    true,
	"unknown": true,
}

// systemDirs are appended to PATH after the inherited entries.
var systemDirs = []string{
	"/opt/homebrew/bin",
	"/opt/homebrew/sbin",
	"/usr/local/bin",
	"/usr/local/sbin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// homeDirs are relative to the user's home directory.
var homeDirs = []string{
	".local/bin",
	"bin",
	".cargo/bin",
	"go/bin",
	".bun/bin",
	".deno/bin",
	".volta/bin",
	".npm-global/bin",
	".local/share/pnpm",
	".asdf/shims",
	".pyenv/shims",
	".rbenv/shims",
	".nodenv/shims",
}

// envDirs maps package-manager variables to the bin dir under them.
// An empty suffix means the variable names the bin dir itself.
var envDirs = []struct {
	key    string
	suffix string
}{
	{"PNPM_HOME", ""},
	{"NVM_BIN", ""},
	{"GOBIN", ""},
	{"HOMEBREW_PREFIX", "bin"},
	{"VOLTA_HOME", "bin"},
	{"BUN_INSTALL", "bin"},
	{"CARGO_HOME", "bin"},
	{"DENO_INSTALL", "bin"},
	{"ASDF_DATA_DIR", "shims"},
	{"PYENV_ROOT", "shims"},
	{"GOPATH", "bin"},
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Vars are the variables set on every spawned PTY process.
type Vars struct {
	Term      string
	ColorTerm string
	Path      string
}

// Resolve computes Vars from lookup. home may be empty, in which case
// home-relative directories are skipped.
func Resolve(lookup LookupFunc, home string) Vars {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}

	term := strings.TrimSpace(get("TERM"))
	if term == "" || placeholderTerms[term] {
		term = DefaultTerm
	}

	color := get("COLORTERM")
	if strings.TrimSpace(color) == "" {
		color = DefaultColorTerm
	}

	return Vars{
		Term:      term,
		ColorTerm: color,
		Path:      resolvePath(get, home),
	}
}

// FromOS resolves against the current process environment.
func FromOS() Vars {
	home, _ := os.UserHomeDir()
	return Resolve(os.LookupEnv, home)
}

func resolvePath(get func(string) string, home string) string {
	var dirs []string
	seen := make(map[string]bool)
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		dirs = append(dirs, d)
	}

	for _, d := range filepath.SplitList(get("PATH")) {
		add(d)
	}
	for _, d := range systemDirs {
		add(d)
	}
	if home != "" {
		for _, d := range homeDirs {
			add(filepath.Join(home, d))
		}
	}
	for _, e := range envDirs {
		v := get(e.key)
		if e.key == "GOPATH" {
			// GOPATH is itself a list; only the first entry holds installed binaries.
			v = firstListEntry(v)
		}
		if v == "" {
			continue
		}
		if e.suffix != "" {
			v = filepath.Join(v, e.suffix)
		}
		add(v)
	}

	return strings.Join(dirs, string(os.PathListSeparator))
}

func firstListEntry(v string) string {
	if l := filepath.SplitList(v); len(l) > 0 {
		return l[0]
	}
	return ""
}

// Apply returns base with TERM, COLORTERM and PATH replaced by v.
func (v Vars) Apply(base []string) []string {
	overrides := map[string]string{
		"TERM":      v.Term,
		"COLORTERM": v.ColorTerm,
		"PATH":      v.Path,
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range []string{"TERM", "COLORTERM", "PATH"} {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// Dirs splits the resolved PATH.
func (v Vars) Dirs() []string {
	return filepath.SplitList(v.Path)
}
