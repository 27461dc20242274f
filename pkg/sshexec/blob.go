package sshexec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
)

// Blob is an attachment staged on the remote host before the command runs.
type Blob interface {
	Name() string
	// Open returns the content and its exact size in bytes.
	Open() (io.ReadCloser, int64, error)
}

type BytesBlob struct {
	name string
	data []byte
}

func NewBytesBlob(name string, data []byte) *BytesBlob {
	return &BytesBlob{name: name, data: data}
}

func (b *BytesBlob) Name() string { return b.name }

func (b *BytesBlob) Open() (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

// FileBlob reads its content from a local file.
type FileBlob struct {
	name string
	path string
}

func NewFileBlob(name, path string) *FileBlob {
	return &FileBlob{name: name, path: path}
}

func (b *FileBlob) Name() string { return b.name }

func (b *FileBlob) Open() (io.ReadCloser, int64, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", b.path, err)
	}
	return f, info.Size(), nil
}

// BlobsOf turns named payloads into blobs ordered by name.
func BlobsOf(extensions map[string][]byte) []Blob {
	names := make([]string, 0, len(extensions))
	for name := range extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	blobs := make([]Blob, 0, len(names))
	for _, name := range names {
		blobs = append(blobs, NewBytesBlob(name, extensions[name]))
	}
	return blobs
}
