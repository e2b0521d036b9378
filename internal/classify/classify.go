// Package classify turns raw subprocess output into a success/failure
// verdict. The sandboxed process is opaque from the host's perspective,
// so classification is text-pattern based: a non-zero exit code or a
// recognized runtime error signature in the output marks the run as
// failed, and a remediation note is appended so an automated caller can
// attempt a repair-and-retry loop.
package classify

import "strings"

// errorSignatures are substrings that mark a run as failed even when
// the exit code is zero (e.g. an exception printed by a wrapper script
// that still exits cleanly).
var errorSignatures = []string{
	"Traceback (most recent call last)",
	"SyntaxError:",
	"IndentationError:",
	"NameError:",
	"TypeError:",
	"ValueError:",
	"KeyError:",
	"IndexError:",
	"AttributeError:",
	"ImportError:",
	"ModuleNotFoundError:",
	"FileNotFoundError:",
	"ZeroDivisionError:",
	"RuntimeError:",
	"MemoryError:",
	"command not found",
	"No such file or directory",
}

// Guidance is appended to the output of every failed run.
const Guidance = `
---
The execution failed. Before retrying:
- Check the exact naming of any referenced columns, keys or fields.
- Verify that file paths exist and are spelled correctly.
- Confirm every variable is defined before it is used.
- Check that operand types are compatible.
- Handle missing or empty data explicitly.`

// Verdict is the classification of one finished run.
type Verdict struct {
	Success bool
	Output  string // combined output, guidance appended on failure
	Matched string // the signature that triggered failure, if any
}

// Classify judges a finished run from its exit code and combined output.
func Classify(exitCode int, output string) Verdict {
	matched := ""
	for _, sig := range errorSignatures {
		if strings.Contains(output, sig) {
			matched = sig
			break
		}
	}

	if exitCode == 0 && matched == "" {
		return Verdict{Success: true, Output: output}
	}

	return Verdict{
		Success: false,
		Output:  output + Guidance,
		Matched: matched,
	}
}
