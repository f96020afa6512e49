package plugins

import (
	"bytes"
	"io"
	"sync"
)

// Sink attributes a plugin's console output. The plugin id prefix is written
// before the first byte of every line.
type Sink struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	midLine bool
}

// NewSink returns a sink writing to out with the given plugin id as prefix.
func NewSink(out io.Writer, pluginID string) *Sink {
	return &Sink{out: out, prefix: []byte("[" + pluginID + "] ")}
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	rest := p
	for len(rest) > 0 {
		if !s.midLine {
			buf.Write(s.prefix)
			s.midLine = true
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			buf.Write(rest)
			break
		}
		buf.Write(rest[:i+1])
		rest = rest[i+1:]
		s.midLine = false
	}

	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Flush terminates a dangling line so the next writer starts clean.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.midLine {
		return nil
	}
	s.midLine = false
	_, err := s.out.Write([]byte{'\n'})

	return err
}
