// Package risk labels commands with a risk level.
package risk

import (
	"regexp"
	"strings"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// Classifier assigns a risk level to command text.
type Classifier interface {
	Classify(text string) model.RiskLevel
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(text string) model.RiskLevel

// Classify calls f(text).
func (f ClassifierFunc) Classify(text string) model.RiskLevel { return f(text) }

// Rule maps a pattern to a level.
type Rule struct {
	Level   model.RiskLevel
	Pattern *regexp.Regexp
}

// Heuristic classifies by the first program of each pipeline stage and a
// list of regex rules. The highest level found wins.
type Heuristic struct {
	programs map[string]model.RiskLevel
	rules    []Rule
}

// NewHeuristic returns the default classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{
		programs: map[string]model.RiskLevel{
			"mkfs": model.RiskCritical, "fdisk": model.RiskCritical, "parted": model.RiskCritical,
			"shred": model.RiskCritical, "wipefs": model.RiskCritical,
			"sudo": model.RiskHigh, "su": model.RiskHigh, "chown": model.RiskHigh, "chmod": model.RiskHigh,
			"userdel": model.RiskHigh, "useradd": model.RiskHigh, "usermod": model.RiskHigh, "passwd": model.RiskHigh,
			"groupdel": model.RiskHigh, "shutdown": model.RiskHigh, "reboot": model.RiskHigh, "halt": model.RiskHigh,
			"poweroff": model.RiskHigh, "iptables": model.RiskHigh, "kill": model.RiskMedium, "pkill": model.RiskMedium,
			"killall": model.RiskMedium, "systemctl": model.RiskMedium, "service": model.RiskMedium,
			"curl": model.RiskMedium, "wget": model.RiskMedium, "scp": model.RiskMedium, "nc": model.RiskMedium,
			"rm": model.RiskMedium, "rmdir": model.RiskLow, "mv": model.RiskLow, "cp": model.RiskLow,
			"tee": model.RiskLow, "touch": model.RiskLow, "mkdir": model.RiskLow, "sed": model.RiskLow,
		},
		rules: []Rule{
			{model.RiskCritical, regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*|~|\*)(\s|$)`)},
			{model.RiskCritical, regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`)},
			{model.RiskCritical, regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`)},
			{model.RiskCritical, regexp.MustCompile(`>\s*/dev/(sd|nvme|hd)`)},
			{model.RiskHigh, regexp.MustCompile(`(?i)\brm\s+-[a-z]*r`)},
			{model.RiskHigh, regexp.MustCompile(`(?i)chmod\s+(-r\s+)?777`)},
			{model.RiskHigh, regexp.MustCompile(`>\s*/etc/`)},
			{model.RiskMedium, regexp.MustCompile(`(?i)(curl|wget)\b.*\|\s*(ba|z)?sh\b`)},
			{model.RiskLow, regexp.MustCompile(`>>?\s*\S`)},
		},
	}
}

// Classify implements Classifier.
func (h *Heuristic) Classify(text string) model.RiskLevel {
	level := model.RiskSafe
	if strings.TrimSpace(text) == "" {
		return level
	}

	for _, prog := range programs(text) {
		if l, ok := h.programs[prog]; ok {
			level = level.Max(l)
		} else if strings.HasPrefix(prog, "mkfs.") {
			level = level.Max(model.RiskCritical)
		}
	}
	for _, r := range h.rules {
		if r.Level.Rank() <= level.Rank() {
			continue
		}
		if r.Pattern.MatchString(text) {
			level = r.Level
		}
	}
	return level
}

// programs returns the first word of every stage separated by
// pipes, semicolons and && / ||, with any path stripped.
func programs(text string) []string {
	stages := strings.FieldsFunc(text, func(r rune) bool {
		return r == '|' || r == ';' || r == '&' || r == '\n'
	})
	out := make([]string, 0, len(stages))
	for _, stage := range stages {
		fields := strings.Fields(stage)
		if len(fields) == 0 {
			continue
		}
		prog := fields[0]
		if i := strings.LastIndex(prog, "/"); i >= 0 {
			prog = prog[i+1:]
		}
		out = append(out, strings.ToLower(prog))
	}
	return out
}
