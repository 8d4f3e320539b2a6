// ABOUTME: Turns a sequence of cumulative text snapshots into appended-only deltas.
// ABOUTME: Used by transports whose events report "full text so far" instead of increments.

package delta

import "strings"

// Apply returns the suffix of full that has not been emitted yet, along with
// the new emitted length. Snapshots are assumed to grow monotonically; a
// snapshot that is not longer than what was already emitted yields an empty
// delta and leaves the length untouched.
func Apply(emitted int, full string) (string, int) {
	if len(full) <= emitted {
		return "", emitted
	}
	return full[emitted:], len(full)
}

// Accumulator tracks one stream's emitted length and the text built from
// the deltas handed out so far. The zero value is ready to use.
type Accumulator struct {
	emitted int
	text    strings.Builder
}

// Push feeds the next snapshot and returns the newly appended suffix, which
// is empty when the snapshot adds nothing.
func (a *Accumulator) Push(full string) string {
	d, n := Apply(a.emitted, full)
	a.emitted = n
	a.text.WriteString(d)
	return d
}

// Len reports how many bytes have been emitted.
func (a *Accumulator) Len() int {
	return a.emitted
}

// Text returns the concatenation of every delta emitted so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}
