package client

import (
	"bytes"
	"io"
	"os"

	"github.com/objectfs/objectfs/pkg/errors"
)

// spoolBuffer accumulates a write handle's body in memory up to a limit,
// then spills to a temp file so an arbitrarily large write never holds
// its whole payload resident.
type spoolBuffer struct {
	limit   int64
	mem     bytes.Buffer
	file    *os.File
	spilled bool
	size    int64
}

func newSpoolBuffer(limit int64) *spoolBuffer {
	return &spoolBuffer{limit: limit}
}

func (s *spoolBuffer) Write(p []byte) (int, error) {
	if !s.spilled && int64(s.mem.Len())+int64(len(p)) > s.limit {
		if err := s.spillToFile(); err != nil {
			return 0, err
		}
	}
	var n int
	var err error
	if s.spilled {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spoolBuffer) spillToFile() error {
	f, err := os.CreateTemp("", "objectfs-spool-*")
	if err != nil {
		return errors.NewInternal("create spool temp file: %v", err).WithComponent("client")
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.NewInternal("spill spool buffer to temp file: %v", err).WithComponent("client")
	}
	s.file = f
	s.spilled = true
	s.mem.Reset()
	return nil
}

// Reader returns a seeked-to-start reader over the accumulated bytes.
func (s *spoolBuffer) Reader() (io.ReadSeeker, error) {
	if s.spilled {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, errors.NewInternal("seek spool temp file: %v", err).WithComponent("client")
		}
		return s.file, nil
	}
	return bytes.NewReader(s.mem.Bytes()), nil
}

// Size returns the total number of bytes written so far.
func (s *spoolBuffer) Size() int64 { return s.size }

// Cleanup removes the backing temp file, if one was created.
func (s *spoolBuffer) Cleanup() {
	if s.spilled {
		name := s.file.Name()
		s.file.Close()
		os.Remove(name)
	}
}
