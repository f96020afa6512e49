// Package errorcodes defines the HTTP status codes the host intercepts and the
// handlers that render them. StatusError carries an intercepted code to the
// transport's error chain.
package errorcodes

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StatusError aborts a request with a recognized status code.
type StatusError struct {
	Code        int
	Description string
}

// Error implements the error interface.
func (e StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Description)
}

// CodeOnly returns the numeric code as text.
func (e StatusError) CodeOnly() string {
	return strconv.Itoa(e.Code)
}

// Abort returns the error that hands code to the error chain.
func Abort(code int) error {
	return StatusError{Code: code, Description: http.StatusText(code)}
}

// AsStatus reports whether err carries an abort code.
func AsStatus(err error) (StatusError, bool) {
	var se StatusError
	if errors.As(err, &se) {
		return se, true
	}

	return StatusError{}, false
}

// Handler describes how a recognized code is rendered. RedirectTo names a
// file under the HTML directory; Return is a literal body. ReturnCode
// defaults to Code.
type Handler struct {
	Code       int     `yaml:"error-code"`
	RedirectTo string  `yaml:"redirect-to"`
	Return     *string `yaml:"return"`
	ReturnCode int     `yaml:"return-code"`
}

// Set is the ordered set of recognized codes with their handlers. A nil Set
// recognizes nothing.
type Set struct {
	codes    []int
	handlers map[int]Handler
}

// NewSet builds a set from handlers. Later duplicates replace earlier ones.
func NewSet(handlers ...Handler) *Set {
	s := &Set{handlers: make(map[int]Handler, len(handlers))}
	for _, h := range handlers {
		if h.ReturnCode == 0 {
			h.ReturnCode = h.Code
		}
		if _, ok := s.handlers[h.Code]; !ok {
			s.codes = append(s.codes, h.Code)
		}
		s.handlers[h.Code] = h
	}

	return s
}

// Codes returns the recognized codes in load order.
func (s *Set) Codes() []int {
	if s == nil {
		return nil
	}

	return slices.Clone(s.codes)
}

// Contains reports whether code is recognized.
func (s *Set) Contains(code int) bool {
	if s == nil {
		return false
	}
	_, ok := s.handlers[code]

	return ok
}

// Handler returns the handler for code.
func (s *Set) Handler(code int) (Handler, bool) {
	if s == nil {
		return Handler{}, false
	}
	h, ok := s.handlers[code]

	return h, ok
}

// LoadDir reads one handler per YAML file in dir. The file name supplies the
// code when error-code is absent. A missing directory yields an empty set.
func LoadDir(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSet(), nil
		}

		return nil, fmt.Errorf("read error handlers: %w", err)
	}

	var handlers []Handler
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		var h Handler
		if err := yaml.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if h.Code == 0 {
			code, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("%s: no error-code and file name is not a status code", e.Name())
			}
			h.Code = code
		}
		if h.Code < 100 || h.Code > 599 {
			return nil, fmt.Errorf("%s: invalid status code %d", e.Name(), h.Code)
		}
		handlers = append(handlers, h)
	}

	return NewSet(handlers...), nil
}
