package launch

import (
	"os"
	"path/filepath"
	"strings"
)

// SessionFiles locates the agent's per-project conversation files.
// The agent stores them as <Root>/<encoded working dir>/<id>.<Ext>.
type SessionFiles struct {
	Root string
	Ext  string
}

// DefaultSessionFiles points at ~/.claude/projects.
func DefaultSessionFiles() SessionFiles {
	home, _ := os.UserHomeDir()
	return SessionFiles{
		Root: filepath.Join(home, ".claude", "projects"),
		Ext:  "jsonl",
	}
}

// EncodeProjectDir maps a working directory to the agent's directory name,
// e.g. "/home/me/proj" -> "-home-me-proj".
func EncodeProjectDir(workDir string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(workDir)
}

// Path returns where the conversation file for target would live.
func (f SessionFiles) Path(workDir, target string) string {
	return filepath.Join(f.Root, EncodeProjectDir(workDir), target+"."+strings.TrimPrefix(f.Ext, "."))
}

// Exists reports whether the conversation file for target is present.
func (f SessionFiles) Exists(workDir, target string) (string, bool) {
	p := f.Path(workDir, target)
	_, err := os.Stat(p)
	return p, err == nil
}
