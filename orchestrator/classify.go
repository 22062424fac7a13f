package orchestrator

import "regexp"

// Mode is the intent classification of one prompt.
type Mode string

const (
	ModeRemember Mode = "remember"
	ModeRecall   Mode = "recall"
	ModeChat     Mode = "chat"
)

var (
	rememberRe = regexp.MustCompile(`(?i)^\s*remember this exact phrase\s*:\s*(.+?)\s*$`)
	recallRe   = regexp.MustCompile(`(?i)^\s*what exact phrase did i ask you to remember\b`)
)

// Classify routes a prompt to remember, recall or chat. For remember it
// also returns the extracted phrase.
func Classify(prompt string) (Mode, string) {
	if m := rememberRe.FindStringSubmatch(prompt); m != nil {
		return ModeRemember, m[1]
	}
	if recallRe.MatchString(prompt) {
		return ModeRecall, ""
	}
	return ModeChat, ""
}
