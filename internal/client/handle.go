package client

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// PosixProvider is implemented by storage providers backed by a local
// filesystem, letting a read Handle expose a real *os.File for mmap-using
// callers via Fileno.
type PosixProvider interface {
	LocalFile(key string) (*os.File, error)
}

// OpenMode names the mode a Handle was opened in. The 'b' (binary)
// suffix some callers pass ("rb", "wb") is accepted but has no effect:
// every Handle deals in raw bytes.
type OpenMode string

const (
	ModeRead  OpenMode = "r"
	ModeWrite OpenMode = "w"
)

func parseOpenMode(mode string) (OpenMode, error) {
	switch strings.TrimSuffix(mode, "b") {
	case "r", "":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	default:
		return "", errors.NewInvalidArgument("unsupported open mode %q", mode).WithComponent("client").WithOperation("open")
	}
}

// Handle is a synchronous file-like handle over one logical path. Writes
// are atomic at Close: nothing is visible to readers until Close returns.
// Reads on large objects are served via ranged requests with read-ahead
// of one chunk past the requested span.
type Handle struct {
	client *StorageClient
	path   string
	mode   OpenMode
	ctx    context.Context

	// write-mode state
	spool  *spoolBuffer
	closed bool

	// read-mode state
	physicalKey   string
	size          int64
	pos           int64
	readBuf       []byte
	readBufOffset int64
	posixFile     *os.File // set on first Fileno() call; closed by Close
}

// Open returns a Handle over logicalPath in the given mode ("r", "w",
// "rb", or "wb").
func (c *StorageClient) Open(ctx context.Context, logicalPath, mode string) (*Handle, error) {
	m, err := parseOpenMode(mode)
	if err != nil {
		return nil, err
	}
	if m == ModeWrite {
		return &Handle{client: c, path: logicalPath, mode: m, ctx: ctx, spool: newSpoolBuffer(c.memLimit)}, nil
	}

	phys, err := c.resolveForRead(logicalPath)
	if err != nil {
		return nil, err
	}
	info, err := c.headPhysical(ctx, phys)
	if err != nil {
		return nil, err
	}
	return &Handle{client: c, path: logicalPath, mode: m, ctx: ctx, physicalKey: phys, size: info.ContentLength}, nil
}

// Write appends p to the handle's spooled buffer. Only valid in write mode.
func (h *Handle) Write(p []byte) (int, error) {
	if h.mode != ModeWrite {
		return 0, errors.NewInvalidArgument("handle for %q is not open for writing", h.path).WithComponent("client")
	}
	return h.spool.Write(p)
}

// Read fills p from the current position, fetching a fresh read-ahead
// chunk from the backend if the requested span isn't already buffered.
func (h *Handle) Read(p []byte) (int, error) {
	if h.mode != ModeRead {
		return 0, errors.NewInvalidArgument("handle for %q is not open for reading", h.path).WithComponent("client")
	}
	if h.pos >= h.size {
		return 0, io.EOF
	}
	if !h.bufferCovers(h.pos, int64(len(p))) {
		if err := h.fillReadAhead(len(p)); err != nil {
			return 0, err
		}
	}
	n := copy(p, h.readBuf[h.pos-h.readBufOffset:])
	h.pos += int64(n)
	return n, nil
}

// ReadInto is an alias for Read, matching the named operation callers
// expect alongside Read/ReadLine/ReadLines.
func (h *Handle) ReadInto(p []byte) (int, error) { return h.Read(p) }

func (h *Handle) bufferCovers(pos int64, n int64) bool {
	if h.readBuf == nil {
		return false
	}
	return pos >= h.readBufOffset && pos+n <= h.readBufOffset+int64(len(h.readBuf))
}

func (h *Handle) fillReadAhead(requested int) error {
	size := int64(requested) + DefaultReadAheadChunk
	if h.pos+size > h.size {
		size = h.size - h.pos
	}
	rng := types.Range{Offset: h.pos, Size: size}
	var data []byte
	err := h.client.exec(h.ctx, func(ctx context.Context) error {
		rc, err := h.client.storage.Get(ctx, h.physicalKey, &rng)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return err
	}
	h.readBuf = data
	h.readBufOffset = h.pos
	return nil
}

// ReadLine reads one line, including its trailing "\n" if present, or
// returns io.EOF when the handle is already exhausted.
func (h *Handle) ReadLine() ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := h.Read(buf)
		if n == 1 {
			line = append(line, buf[0])
			if buf[0] == '\n' {
				return line, nil
			}
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadLines reads every remaining line.
func (h *Handle) ReadLines() ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := h.ReadLine()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
}

// Seek repositions the handle, per io.Seeker semantics. Only valid in
// read mode.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if h.mode != ModeRead {
		return 0, errors.NewInvalidArgument("handle for %q is not seekable in write mode", h.path).WithComponent("client")
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = h.pos + offset
	case io.SeekEnd:
		pos = h.size + offset
	default:
		return 0, errors.NewInvalidArgument("invalid seek whence %d", whence).WithComponent("client")
	}
	if pos < 0 {
		return 0, errors.NewInvalidArgument("negative seek position %d", pos).WithComponent("client")
	}
	h.pos = pos
	return pos, nil
}

// Tell returns the current position.
func (h *Handle) Tell() int64 { return h.pos }

// Fileno exposes the backing POSIX file descriptor's number for
// mmap-capable callers. Only available for handles backed by a local
// filesystem provider; every other backend returns an Unsupported error.
func (h *Handle) Fileno() (int, error) {
	if h.posixFile != nil {
		return int(h.posixFile.Fd()), nil
	}
	posix, ok := h.client.storage.(PosixProvider)
	if !ok {
		return -1, errors.NewUnsupported("fileno() is only available for POSIX-backed clients").WithComponent("client").WithOperation("fileno")
	}
	f, err := posix.LocalFile(h.physicalKey)
	if err != nil {
		return -1, err
	}
	h.posixFile = f
	return int(f.Fd()), nil
}

// Close finalizes the handle. In write mode this PUTs the spooled buffer
// to the backend and stages/publishes the write; before Close returns,
// the write is not visible to any reader.
func (h *Handle) Close() error {
	if h.mode != ModeWrite {
		if h.posixFile != nil {
			return h.posixFile.Close()
		}
		return nil
	}
	if h.closed {
		return nil
	}
	h.closed = true
	defer h.spool.Cleanup()

	body, err := h.spool.Reader()
	if err != nil {
		return err
	}
	phys := h.client.resolveForWrite(h.path)
	size := h.spool.Size()

	var etag string
	err = h.client.exec(h.ctx, func(ctx context.Context) error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var putErr error
		etag, putErr = h.client.storage.Put(ctx, phys, body, size, types.PutOptions{})
		return putErr
	})
	if err != nil {
		return err
	}
	return h.client.publishWrite(h.path, phys, size, etag)
}
