package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookie.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return NewStore(path)
}

func TestLoadExtractsCSRF(t *testing.T) {
	s := writeFile(t, "SESSDATA=abc; bili_jct=token42; DedeUserID=1\n")
	cred, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "token42", cred.CSRF)
	assert.Equal(t, "SESSDATA=abc; bili_jct=token42; DedeUserID=1", cred.Cookie)
}

func TestLoadCSRFAtEndOfLine(t *testing.T) {
	s := writeFile(t, "SESSDATA=abc; bili_jct=tail99")
	cred, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "tail99", cred.CSRF)
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	s := writeFile(t, "# exported from browser\n\nbili_jct=fromline2; SESSDATA=x\n")
	cred, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "fromline2", cred.CSRF)
}

func TestLoadMissingCSRF(t *testing.T) {
	s := writeFile(t, "SESSDATA=abc; DedeUserID=1\n")
	_, err := s.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bili_jct")
}

func TestLoadEmptyFile(t *testing.T) {
	s := writeFile(t, "# only a comment\n\n")
	_, err := s.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable cookie line")
}

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.txt"))
	_, err := s.Load()
	assert.Error(t, err)
}

func TestLoadRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie.txt")
	require.NoError(t, os.WriteFile(path, []byte("bili_jct=first\n"), 0o600))
	s := NewStore(path)

	cred, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "first", cred.CSRF)

	// A swapped session takes effect without restarting anything.
	require.NoError(t, os.WriteFile(path, []byte("bili_jct=second\n"), 0o600))
	cred, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", cred.CSRF)
}
