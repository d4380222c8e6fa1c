package logger

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// benignPatterns matches recurring encoder stderr noise. MJPEG sources
// produce these continuously on marginal frames; one entry per 10 s keeps
// logs readable without hiding an encoder that dies.
var benignPatterns = []string{
	"Last message repeated",
	"mjpeg_decode_dc",
	"error dc",
	"overread",
	"No JPEG data found in image",
	"bad marker",
	"EOI missing",
}

const benignLogInterval = 10 * time.Second

// ProcessSink logs subprocess stderr lines. Benign recurring messages are
// rate-limited per pattern; everything else logs at warn level.
type ProcessSink struct {
	log  *slog.Logger
	name string

	mu      sync.Mutex
	limiter map[string]*rate.Sometimes
}

// NewProcessSink returns a sink that attributes lines to the given
// subprocess name.
func NewProcessSink(log *slog.Logger, name string) *ProcessSink {
	return &ProcessSink{
		log:     log,
		name:    name,
		limiter: make(map[string]*rate.Sometimes),
	}
}

// Line logs a single stderr line, applying the benign-message rate limit.
func (s *ProcessSink) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	for _, p := range benignPatterns {
		if strings.Contains(line, p) {
			s.sometimes(p).Do(func() {
				s.log.Debug("encoder noise",
					slog.String("proc", s.name),
					slog.String("line", line),
				)
			})
			return
		}
	}
	s.log.Warn("encoder stderr",
		slog.String("proc", s.name),
		slog.String("line", line),
	)
}

func (s *ProcessSink) sometimes(pattern string) *rate.Sometimes {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiter[pattern]
	if !ok {
		lim = &rate.Sometimes{First: 1, Interval: benignLogInterval}
		s.limiter[pattern] = lim
	}
	return lim
}
