package launch

import "strings"

// Mode selects what a new PTY runs.
type Mode int

const (
	// Plain starts an interactive login shell.
	Plain Mode = iota
	// Resume reattaches the agent CLI to a prior conversation.
	Resume
)

func (m Mode) String() string {
	switch m {
	case Plain:
		return "plain"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// Intent is the caller's launch request.
type Intent struct {
	Mode         Mode
	ResumeTarget string
	ExtraArgs    []string
}

// PlainIntent returns an intent for a bare interactive shell.
func PlainIntent() Intent {
	return Intent{Mode: Plain}
}

// ResumeIntent returns an intent that resumes target. An empty target resumes
// the conversation named after the session identifier.
func ResumeIntent(target string, extraArgs ...string) Intent {
	return Intent{Mode: Resume, ResumeTarget: target, ExtraArgs: extraArgs}
}

// Target resolves the resume target, falling back to fallback when blank.
func (i Intent) Target(fallback string) string {
	if t := strings.TrimSpace(i.ResumeTarget); t != "" {
		return t
	}
	return fallback
}

// Args returns the trimmed, non-empty extra arguments in order.
func (i Intent) Args() []string {
	out := make([]string, 0, len(i.ExtraArgs))
	for _, a := range i.ExtraArgs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
