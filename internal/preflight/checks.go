// Package preflight checks that the programs a session may launch can be
// found on the PATH sessions will run with.
package preflight

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/models"
)

const (
	RoleAgent       = "agent"
	RoleMultiplexer = "multiplexer"
)

// CheckAll looks up the agent CLI and the terminal multiplexer in dirs.
func CheckAll(dirs []string, agent, multiplexer string) []models.CLIStatus {
	return []models.CLIStatus{
		checkCLI(dirs, agent, RoleAgent),
		checkCLI(dirs, multiplexer, RoleMultiplexer),
	}
}

// Report logs one line per status. A missing multiplexer only means
// sessions run without persistence.
func Report(statuses []models.CLIStatus, logger *zap.Logger) {
	for _, s := range statuses {
		if s.Installed {
			logger.Info("Found "+s.Role, zap.String("name", s.Name), zap.String("path", s.Path))
			continue
		}
		switch s.Role {
		case RoleMultiplexer:
			logger.Warn("Multiplexer not installed, resumed sessions will not survive a UI restart", zap.String("name", s.Name))
		default:
			logger.Warn("Agent CLI not installed, resume requests will fail", zap.String("name", s.Name))
		}
	}
}

func checkCLI(dirs []string, name, role string) models.CLIStatus {
	path, ok := lookPath(dirs, name)
	if !ok {
		return models.CLIStatus{Name: name, Role: role}
	}
	return models.CLIStatus{Name: name, Role: role, Installed: true, Path: path}
}

// lookPath is exec.LookPath against an explicit directory list, since the
// daemon's own PATH can be much shorter than the one sessions get.
func lookPath(dirs []string, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if strings.Contains(name, "/") {
		return name, isExecutable(name)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, true
		}
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
