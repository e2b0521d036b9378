package sandbox

import "testing"

func TestRewriteToHost(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{"/workspace", "/srv/ws"},
		{"/workspace/sub/file.py", "/srv/ws/sub/file.py"},
		{"/workspaces/other", "/workspaces/other"},
		{"python3", "python3"},
		{"-c", "-c"},
	}
	for _, tc := range tests {
		if got := rewriteToHost(tc.arg, "/srv/ws"); got != tc.want {
			t.Errorf("rewriteToHost(%q) = %q, want %q", tc.arg, got, tc.want)
		}
	}
}
