package ffmpeg

import (
	"strings"
	"testing"
)

func TestEscapeFilterArg(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"white", "white"},
		{"black@0.5", "black@0.5"},
		{"a:b", `a\:b`},
		{"a,b", `a\,b`},
		{`a\b`, `a\\b`},
		{"it's", `it\'s`},
	}
	for _, tc := range cases {
		if got := EscapeFilterArg(tc.in); got != tc.want {
			t.Errorf("EscapeFilterArg(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscapePath_windowsStyleColon(t *testing.T) {
	if got := EscapePath("/usr/share/fonts/a:b.ttf"); got != `/usr/share/fonts/a\:b.ttf` {
		t.Errorf("EscapePath = %q", got)
	}
}

func TestBaseArgs_quietFlags(t *testing.T) {
	args := strings.Join(BaseArgs(), " ")
	if !strings.HasPrefix(args, "ffmpeg ") {
		t.Errorf("argv[0] = %q", BaseArgs()[0])
	}
	for _, want := range []string{"-hide_banner", "-nostats", "-loglevel warning"} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %q", want, args)
		}
	}
}

func TestInputReconnectArgs(t *testing.T) {
	args := strings.Join(InputReconnectArgs(), " ")
	for _, want := range []string{"+genpts+discardcorrupt", "-use_wallclock_as_timestamps 1", "-reconnect 1"} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %q", want, args)
		}
	}
}
