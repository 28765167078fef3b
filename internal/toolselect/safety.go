package toolselect

import (
	"errors"
	"regexp"
	"strings"
)

// Character classes mirroring a sibling example repo's executable-safety
// checker (shell metacharacters, control characters, quote characters),
// applied here to every composed argv entry rather than only to an
// executable name, since the Composer's output is argv, never shell text.
var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
)

var (
	errNullByte      = errors.New("argv entry contains a null byte")
	errControlChar   = errors.New("argv entry contains control characters")
	errShellMetachar = errors.New("argv entry contains shell metacharacters")
	errQuoteChar     = errors.New("argv entry contains quote characters")
)

// checkArgvEntrySafe validates a single composed argv entry for the
// characters that would allow it to break out of argv semantics if some
// downstream layer ever round-tripped it through a shell. Leading dashes
// are permitted here (flags legitimately start with one); option-injection
// for positional slots is the Composer's concern, checked separately against
// each parameter's Positional flag.
func checkArgvEntrySafe(entry string) error {
	if strings.Contains(entry, "\x00") {
		return errNullByte
	}
	if controlChars.MatchString(entry) {
		return errControlChar
	}
	if shellMetachars.MatchString(entry) {
		return errShellMetachar
	}
	if quoteChars.MatchString(entry) {
		return errQuoteChar
	}
	return nil
}
