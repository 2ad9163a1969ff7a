package launch

import (
	"fmt"
	"regexp"
	"strings"
)

const maxMuxNameLen = 48

// Planner turns an Intent into the script a login shell runs with -lc.
type Planner struct {
	Agent       string // agent CLI binary, e.g. "claude"
	ResumeFlag  string // e.g. "-r"
	Multiplexer string // e.g. "tmux"
	MuxPrefix   string // prefix for multiplexer session names
}

// DefaultPlanner resumes claude sessions inside tmux.
func DefaultPlanner() Planner {
	return Planner{
		Agent:       "claude",
		ResumeFlag:  "-r",
		Multiplexer: "tmux",
		MuxPrefix:   "ccsm_",
	}
}

// Script returns the launch script for intent, or ok=false when the intent
// is Plain and the shell should run interactively with no command.
func (p Planner) Script(intent Intent, fallbackID, workDir string) (script string, ok bool) {
	if intent.Mode != Resume {
		return "", false
	}

	target := intent.Target(fallbackID)

	parts := []string{word(p.Agent)}
	for _, a := range intent.Args() {
		parts = append(parts, Quote(a))
	}
	parts = append(parts, word(p.ResumeFlag), Quote(target))
	agentCmd := strings.Join(parts, " ")

	mux := word(p.Multiplexer)
	name := Quote(p.SessionName(target))

	return fmt.Sprintf(
		"if command -v %[1]s >/dev/null 2>&1; then "+
			"%[1]s kill-session -t %[2]s >/dev/null 2>&1; "+
			"%[1]s new-session -d -s %[2]s -c %[3]s %[4]s; "+
			"%[1]s set-option -q -t %[2]s status off >/dev/null 2>&1; "+
			"%[1]s attach-session -t %[2]s || exec %[5]s; "+
			"else exec %[5]s; fi",
		mux, name, Quote(workDir), Quote(agentCmd), agentCmd,
	), true
}

// SessionName derives the multiplexer session name for a resume target.
// The result only contains [A-Za-z0-9_-].
func (p Planner) SessionName(target string) string {
	var b strings.Builder
	for _, r := range target {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "session"
	}
	if len(name) > maxMuxNameLen {
		name = name[:maxMuxNameLen]
	}
	return p.MuxPrefix + name
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var bareWord = regexp.MustCompile(`^[A-Za-z0-9_./+-]+$`)

// word leaves plain binary names and flags readable and quotes anything else.
func word(s string) string {
	if bareWord.MatchString(s) {
		return s
	}
	return Quote(s)
}
