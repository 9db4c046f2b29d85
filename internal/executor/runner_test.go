package executor

import "testing"

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "python"},
		{"py", "python"},
		{"Python3", "python"},
		{"js", "javascript"},
		{"Node", "javascript"},
		{"golang", "go"},
		{"ruby", "ruby"},
	}
	for _, tt := range tests {
		if got := normalizeLanguage(tt.in); got != tt.want {
			t.Errorf("normalizeLanguage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteScriptUnsupportedLanguage(t *testing.T) {
	r, err := NewRunner("ruby", 0, 0)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer r.Cleanup()

	if _, _, err := r.writeScript(t.TempDir(), "puts 1"); err == nil {
		t.Fatal("writeScript() error = nil, want unsupported language")
	}
}

func TestWriteScriptPython(t *testing.T) {
	r, err := NewRunner("python", 0, 0)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer r.Cleanup()

	name, args, err := r.writeScript(t.TempDir(), "print(1)")
	if err != nil {
		t.Fatalf("writeScript() error = %v", err)
	}
	if name != "python3" || len(args) != 1 {
		t.Errorf("command = %s %v, want python3 <file>", name, args)
	}
}
