package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/transport"
)

var (
	// ErrAccessViolation indicates a filename that escapes its root, a write
	// on a read-only server, or a permission failure.
	ErrAccessViolation = errors.New("access violation")

	// ErrFileNotFound indicates a missing file, a non-regular file, or a
	// missing parent directory for an upload.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileExists indicates an upload over an existing file while
	// overwriting is disabled.
	ErrFileExists = errors.New("file already exists")

	// ErrDiskFull indicates an upload that cannot fit on the target volume.
	ErrDiskFull = errors.New("disk full or allocation exceeded")
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// SendDir is the root for read requests.
	SendDir string
	// ReceiveDir is the root for write requests.
	ReceiveDir string
	// ReadOnly refuses every write request.
	ReadOnly bool
	// Overwrite lets write requests replace existing files. When false
	// they fail with ErrFileExists.
	Overwrite bool
}

// Guard maps client filenames to paths inside the configured roots and
// opens them according to the server policy.
type Guard struct {
	sendRoot    string
	receiveRoot string
	readOnly    bool
	overwrite   bool
}

// NewGuard canonicalizes the configured roots. Both must exist and be
// directories.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	sendRoot, err := canonicalRoot(cfg.SendDir)
	if err != nil {
		return nil, fmt.Errorf("send directory: %w", err)
	}
	receiveRoot, err := canonicalRoot(cfg.ReceiveDir)
	if err != nil {
		return nil, fmt.Errorf("receive directory: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewGuard",
		"send_root":    sendRoot,
		"receive_root": receiveRoot,
		"read_only":    cfg.ReadOnly,
		"overwrite":    cfg.Overwrite,
	}).Info("File access guard ready")

	return &Guard{
		sendRoot:    sendRoot,
		receiveRoot: receiveRoot,
		readOnly:    cfg.ReadOnly,
		overwrite:   cfg.Overwrite,
	}, nil
}

func canonicalRoot(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("directory not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}

// SendRoot returns the canonical root for read requests.
func (g *Guard) SendRoot() string { return g.sendRoot }

// ReceiveRoot returns the canonical root for write requests.
func (g *Guard) ReceiveRoot() string { return g.receiveRoot }

// ReadOnly reports whether write requests are refused.
func (g *Guard) ReadOnly() bool { return g.readOnly }

// Resolve maps filename to a canonical path equal to or below root, which
// must itself be canonical. Empty and absolute names, any ".." component,
// and symlinks leading outside root fail with ErrAccessViolation.
func Resolve(root, filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename", ErrAccessViolation)
	}
	if strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, `\`) || filepath.IsAbs(filename) || filepath.VolumeName(filename) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrAccessViolation, filename)
	}
	for _, part := range strings.FieldsFunc(filename, isSeparator) {
		if part == ".." {
			return "", fmt.Errorf("%w: path %q contains directory traversal", ErrAccessViolation, filename)
		}
	}

	name := filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/"))
	canonical, err := canonicalize(filepath.Join(root, name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessViolation, err)
	}
	if !within(root, canonical) {
		return "", fmt.Errorf("%w: %q resolves outside the root", ErrAccessViolation, filename)
	}
	return canonical, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// appends the missing tail unchanged.
func canonicalize(p string) (string, error) {
	existing := p
	var tail []string

	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// A name that Lstat sees but EvalSymlinks cannot follow is a
		// dangling symlink, whose target could be anywhere.
		if _, lerr := os.Lstat(existing); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", existing)
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			return "", err
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// OpenRead resolves filename below the send root and opens it for reading.
// It returns the file and its size.
func (g *Guard) OpenRead(filename string) (*os.File, int64, error) {
	path, err := Resolve(g.sendRoot, filename)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, classify(err, filename)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%w: %q is not a regular file", ErrFileNotFound, filename)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, classify(err, filename)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenRead",
		"file":     filename,
		"path":     path,
		"size":     info.Size(),
	}).Debug("Opened file for reading")

	return f, info.Size(), nil
}

// OpenWrite resolves filename below the receive root and creates it. It
// returns the file and its canonical path so a failed upload can be removed.
func (g *Guard) OpenWrite(filename string) (*os.File, string, error) {
	if g.readOnly {
		return nil, "", fmt.Errorf("%w: server is read-only", ErrAccessViolation)
	}

	path, err := Resolve(g.receiveRoot, filename)
	if err != nil {
		return nil, "", err
	}

	if info, err := os.Lstat(path); err == nil {
		if info.IsDir() {
			return nil, "", fmt.Errorf("%w: %q is a directory", ErrAccessViolation, filename)
		}
		if !g.overwrite {
			return nil, "", fmt.Errorf("%w: %q", ErrFileExists, filename)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !g.overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, "", classify(err, filename)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpenWrite",
		"file":      filename,
		"path":      path,
		"overwrite": g.overwrite,
	}).Debug("Opened file for writing")

	return f, path, nil
}

// classify maps an os error to the package sentinels.
func classify(err error, filename string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %q", ErrFileNotFound, filename)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %q", ErrFileExists, filename)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %q: %v", ErrAccessViolation, filename, err)
	case IsDiskFull(err):
		return fmt.Errorf("%w: %q", ErrDiskFull, filename)
	}
	return err
}

// IsDiskFull reports whether err means the volume ran out of space.
func IsDiskFull(err error) bool {
	return errors.Is(err, ErrDiskFull) || errors.Is(err, syscall.ENOSPC)
}

// ErrorCodeFor maps an error from this package to the TFTP error code sent
// to the client.
func ErrorCodeFor(err error) transport.ErrorCode {
	switch {
	case errors.Is(err, ErrAccessViolation):
		return transport.ErrCodeAccessViolation
	case errors.Is(err, ErrFileNotFound):
		return transport.ErrCodeFileNotFound
	case errors.Is(err, ErrFileExists):
		return transport.ErrCodeFileExists
	case IsDiskFull(err):
		return transport.ErrCodeDiskFull
	}
	return transport.ErrCodeNotDefined
}
