package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestComponentFieldsAreRendered(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "text")
	defer Configure(os.Stderr, "text")
	SetLevel(INFO)

	InfoCF("memory", "summary stored", map[string]interface{}{"session_key": "s1", "total": 15})

	out := buf.String()
	for _, want := range []string{"component=memory", "session_key=s1", "total=15", "summary stored"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "json")
	defer Configure(os.Stderr, "text")
	SetLevel(WARN)
	defer SetLevel(INFO)

	InfoCF("memory", "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at WARN, got %q", buf.String())
	}
	WarnCF("memory", "shown", nil)
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("expected json warn line, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": DEBUG, "WARN": WARN, "error": ERROR, "": INFO, "nope": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
