package jobs

import (
	"math/rand/v2"
	"strings"
)

const adHocLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// AdHocPrefix starts every ad hoc job id.
const AdHocPrefix = "adhoc-"

// NewAdHocID returns a fresh id for an ad hoc job: AdHocPrefix followed by
// twelve random letters.
func NewAdHocID() string {
	var b strings.Builder
	b.WriteString(AdHocPrefix)
	for range 12 {
		b.WriteByte(adHocLetters[rand.IntN(len(adHocLetters))])
	}
	return b.String()
}
