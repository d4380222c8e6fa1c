package timelapse

import (
	"regexp"
	"strings"
)

// collapseRe matches the characters collapsed into a single underscore.
var collapseRe = regexp.MustCompile(`[ \-()\[\]{}:;,.#]+`)

// Sanitize turns a G-code filename into a filesystem-safe session name:
// path separators stripped, punctuation runs collapsed to "_", "&" spelled
// out, leading/trailing underscores trimmed. Falls back to "unknown" when
// nothing is left.
func Sanitize(name string) string {
	name = strings.TrimSuffix(name, ".gcode")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	name = strings.ReplaceAll(name, "&", "and")
	name = collapseRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "unknown"
	}
	return name
}
