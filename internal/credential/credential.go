package credential

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Credential is one session cookie line plus the anti-forgery token
// embedded in its bili_jct field.
type Credential struct {
	Cookie string
	CSRF   string
}

var csrfPattern = regexp.MustCompile(`bili_jct=([^;]+)`)

// Store reads the line-oriented cookie file on every Load so an operator
// can swap sessions without restarting the process.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Load returns the first non-comment line containing '=' as the session
// cookie. A file without a usable line or without bili_jct is a hard
// failure for every authenticated call.
func (s *Store) Load() (Credential, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Credential{}, fmt.Errorf("read cookie file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		m := csrfPattern.FindStringSubmatch(line)
		if m == nil {
			return Credential{}, fmt.Errorf("cookie file %s: missing bili_jct field", s.path)
		}
		return Credential{Cookie: line, CSRF: m[1]}, nil
	}
	return Credential{}, fmt.Errorf("cookie file %s: no usable cookie line", s.path)
}
