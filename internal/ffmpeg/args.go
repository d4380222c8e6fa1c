package ffmpeg

import "strings"

// EscapeFilterArg escapes a value for use inside an ffmpeg filter graph
// argument. Backslash and single quote must be doubled/escaped or ffmpeg
// splits the filter string at the wrong place; colons separate filter
// options and commas separate filters.
func EscapeFilterArg(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`,`, `\,`,
	)
	return r.Replace(s)
}

// EscapePath escapes a filesystem path for embedding in a filter option
// such as drawtext's fontfile or textfile.
func EscapePath(p string) string {
	return EscapeFilterArg(p)
}

// InputReconnectArgs returns the standard flags for reading a live HTTP
// MJPEG input: regenerate presentation timestamps, drop corrupt frames,
// stamp frames with wall-clock time, and reconnect on upstream hiccups.
func InputReconnectArgs() []string {
	return []string{
		"-fflags", "+genpts+discardcorrupt",
		"-use_wallclock_as_timestamps", "1",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "2",
	}
}

// BaseArgs returns the flags shared by every invocation: no banner, no
// interactive tty probing, warnings only.
func BaseArgs() []string {
	return []string{
		"ffmpeg",
		"-hide_banner",
		"-nostats",
		"-loglevel", "warning",
	}
}
