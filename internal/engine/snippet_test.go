package engine

import "testing"

func TestStripFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fences", "print(1)", "print(1)"},
		{"python fence", "```python\nprint(1)\n```", "print(1)"},
		{"bare fence", "```\nprint(1)\n```", "print(1)"},
		{
			"prose around fence",
			"Sure, here you go:\n```python\nx = 1\nprint(x)\n```\nLet me know!",
			"x = 1\nprint(x)",
		},
		{
			"multiple blocks concatenated",
			"```python\na = 1\n```\ntext\n```python\nprint(a)\n```",
			"a = 1\nprint(a)",
		},
		{"unterminated fence", "```python\nprint(1)", "print(1)"},
		{"backticks inline only", "use `print` here", "use `print` here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripFences(tc.input); got != tc.want {
				t.Errorf("stripFences(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
