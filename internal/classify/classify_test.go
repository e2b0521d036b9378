package classify

import (
	"strings"
	"testing"
)

func TestClassify_CleanRun(t *testing.T) {
	v := Classify(0, "2\n")
	if !v.Success {
		t.Fatal("expected success for exit 0 with clean output")
	}
	if strings.Contains(v.Output, "The execution failed") {
		t.Error("guidance must not be appended on success")
	}
}

func TestClassify_NonZeroExit(t *testing.T) {
	v := Classify(1, "some output")
	if v.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if !strings.Contains(v.Output, "The execution failed") {
		t.Error("guidance should be appended on failure")
	}
}

func TestClassify_SignatureWithZeroExit(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"traceback", "Traceback (most recent call last):\n  File \"x.py\", line 1"},
		{"import error", "ImportError: No module named requests"},
		{"module not found", "ModuleNotFoundError: No module named 'pandas'"},
		{"name error", "NameError: name 'x' is not defined"},
		{"type error", "TypeError: unsupported operand type(s)"},
		{"key error", "KeyError: 'missing'"},
		{"zero division", "ZeroDivisionError: division by zero"},
		{"file not found", "FileNotFoundError: [Errno 2] No such file"},
		{"shell not found", "sh: 1: foo: command not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := Classify(0, tc.output)
			if v.Success {
				t.Fatalf("expected failure for output %q", tc.output)
			}
			if v.Matched == "" {
				t.Error("expected a matched signature")
			}
		})
	}
}

func TestClassify_OutputPreserved(t *testing.T) {
	v := Classify(2, "original text")
	if !strings.HasPrefix(v.Output, "original text") {
		t.Errorf("original output should be preserved, got %q", v.Output)
	}
}
