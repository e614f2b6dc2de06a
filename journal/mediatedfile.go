package journal

import (
	"errors"
	"io/fs"
	"os"
)

// mediatedFile is the interrupt-safe file handle spec.md §4.J's
// "Interrupt policy" describes: a blocking read/write that fails because
// an unrelated goroutine closed the underlying handle (e.g. in response
// to a cancellation signal elsewhere in the process) transparently
// reopens it and retries the operation exactly once, rather than
// surfacing a spurious "file closed" error or leaving the writer stuck
// with a dead handle.
type mediatedFile struct {
	path string
	file *os.File
}

func openMediated(path string) (mediatedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return mediatedFile{}, err
	}
	return mediatedFile{path: path, file: f}, nil
}

func isClosedFileError(err error) bool {
	return errors.Is(err, fs.ErrClosed)
}

func (m *mediatedFile) reopen() error {
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	m.file = f
	return nil
}

func (m *mediatedFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := m.file.WriteAt(p, off)
	if err != nil && isClosedFileError(err) {
		if reopenErr := m.reopen(); reopenErr != nil {
			return n, err
		}
		return m.file.WriteAt(p, off)
	}
	return n, err
}

func (m *mediatedFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := m.file.ReadAt(p, off)
	if err != nil && isClosedFileError(err) {
		if reopenErr := m.reopen(); reopenErr != nil {
			return n, err
		}
		return m.file.ReadAt(p, off)
	}
	return n, err
}

func (m *mediatedFile) Sync() error {
	err := m.file.Sync()
	if err != nil && isClosedFileError(err) {
		if reopenErr := m.reopen(); reopenErr != nil {
			return err
		}
		return m.file.Sync()
	}
	return err
}

func (m *mediatedFile) Close() error {
	return m.file.Close()
}
