package sshexec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/andrej220/batchexec/pkg/failure"
)

// BlobEnvPrefix prefixes the environment variable holding the remote path of
// a staged blob.
const BlobEnvPrefix = "BLOB_"

// RemotePath returns a fresh destination for a blob under prefix.
func RemotePath(prefix, name string) string {
	return prefix + uuid.NewString() + "-" + sanitize(name, true)
}

// BlobEnvName is the variable a blob's remote path is exported as.
func BlobEnvName(name string) string {
	return BlobEnvPrefix + sanitize(name, false)
}

func sanitize(name string, allowPunct bool) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case allowPunct && (r == '.' || r == '-'):
			return r
		}
		return '_'
	}, name)
}

// sendBlob speaks the sink side of "scp -t": a header line, the content, a
// zero byte. Every step is acknowledged by the remote with a zero byte.
func sendBlob(w io.Writer, r io.Reader, blob Blob, remotePath string) error {
	content, size, err := blob.Open()
	if err != nil {
		return &failure.TransferError{Blob: blob.Name(), Path: remotePath, Message: "failed to open blob", Err: err}
	}
	defer content.Close()

	acks := bufio.NewReader(r)
	fail := func(msg string, err error) error {
		return &failure.TransferError{Blob: blob.Name(), Path: remotePath, Message: msg, Err: err}
	}

	if _, err := fmt.Fprintf(w, "C0644 %d %s\n", size, path.Base(remotePath)); err != nil {
		return fail("failed to send header", err)
	}
	if err := readAck(acks, blob.Name(), remotePath); err != nil {
		return err
	}
	n, err := io.CopyN(w, content, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fail(fmt.Sprintf("blob ended after %d of %d bytes", n, size), nil)
		}
		return fail("failed to send content", err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return fail("failed to send end marker", err)
	}
	return readAck(acks, blob.Name(), remotePath)
}

func readAck(r *bufio.Reader, name, remotePath string) error {
	ack, err := r.ReadByte()
	if err != nil {
		return &failure.TransferError{Blob: name, Path: remotePath, Message: "no acknowledgement", Err: err}
	}
	if ack == 0 {
		return nil
	}
	line, _ := r.ReadString('\n')
	return &failure.TransferError{Blob: name, Path: remotePath, Ack: ack, Message: strings.TrimSpace(line)}
}
