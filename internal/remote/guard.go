package remote

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrCommandRejected = errors.New("command rejected")

var blacklistedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`), // fork bomb
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bwget\b.*http`),
	regexp.MustCompile(`\bcurl\b.*http`),
	regexp.MustCompile(`\bdd\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\buseradd\b`),
	regexp.MustCompile(`\bsudo\b`),
}

// CheckCommand rejects commands matching a destructive pattern.
func CheckCommand(cmd string) error {
	for _, p := range blacklistedPatterns {
		if p.MatchString(cmd) {
			return fmt.Errorf("%q matches %s: %w", cmd, p, ErrCommandRejected)
		}
	}
	return nil
}
