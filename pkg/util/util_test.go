package util

import (
	"bytes"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("FirstNonEmpty = %q, want x", got)
	}
	if got := FirstNonEmpty("", "  "); got != "" {
		t.Fatalf("FirstNonEmpty = %q, want empty", got)
	}
}

func TestCompactOneLine(t *testing.T) {
	if got := CompactOneLine("  a\n b\tc  ", 0); got != "a b c" {
		t.Fatalf("CompactOneLine = %q", got)
	}
	if got := CompactOneLine("abcdef", 4); got != "abc…" {
		t.Fatalf("CompactOneLine truncation = %q", got)
	}
}

func TestLimitedWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLimitedWriter(&buf, 5)

	n, err := lw.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("buf = %q", buf.String())
	}
	if !lw.Overflow() {
		t.Fatal("Overflow = false after cap reached")
	}

	// 超限写入静默丢弃, 返回 len(p)
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("overflow write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.String() != "hello" {
		t.Fatalf("buf grew past limit: %q", buf.String())
	}
}

type envConfig struct {
	Name    string  `env:"UT_NAME" default:"fallback"`
	Count   int     `env:"UT_COUNT" default:"7" min:"1"`
	Ratio   float64 `env:"UT_RATIO" default:"0.5" min:"0"`
	Enabled bool    `env:"UT_ENABLED" default:"true"`
}

func TestLoadFromEnvDefaults(t *testing.T) {
	var cfg envConfig
	LoadFromEnv(&cfg)
	if cfg.Name != "fallback" || cfg.Count != 7 || cfg.Ratio != 0.5 || !cfg.Enabled {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFromEnvOverride(t *testing.T) {
	t.Setenv("UT_COUNT", "42")
	t.Setenv("UT_ENABLED", "off")
	var cfg envConfig
	LoadFromEnv(&cfg)
	if cfg.Count != 42 {
		t.Fatalf("Count = %d, want 42", cfg.Count)
	}
	if cfg.Enabled {
		t.Fatal("Enabled = true, want false")
	}
}

func TestLoadFromEnvMinClamp(t *testing.T) {
	t.Setenv("UT_COUNT", "0")
	var cfg envConfig
	LoadFromEnv(&cfg)
	if cfg.Count != 1 {
		t.Fatalf("Count = %d, want min clamp 1", cfg.Count)
	}
}
