// Package frame implements the byte-stream framing shared by every NPC Maker
// protocol: ordered streams that interleave UTF-8 text lines with raw binary
// blobs whose length is announced by the preceding line.
//
// The framing rule is strict: the leading tag of a line alone decides whether
// a blob follows and how long it is, so a reader never has to look past one
// message boundary. Text-level violations (unknown tags) are recoverable by
// skipping to the next newline; malformed length fields and premature
// end-of-stream are terminal for the remote.
package frame

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// MaxBlobSize bounds the length field of a binary payload. A length beyond
// this is treated as a malformed frame, not an allocation request.
const MaxBlobSize = 1 << 30

// Reader decodes line and blob records from an ordered byte stream.
// It is not safe for concurrent use; each stream has exactly one consumer.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps an io.Reader for frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine blocks until one full text record is available and returns it
// without the trailing newline. Empty lines are skipped, matching the wire
// protocols, which treat them as padding. End-of-stream is reported as
// ErrStreamClosed: stream closure and process death are equivalent here.
func (r *Reader) ReadLine() (string, error) {
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A partial line at EOF is a truncated frame, also terminal.
				return "", errors.WrapFatal(errors.ErrStreamClosed, "frame", "ReadLine", "read record")
			}
			return "", errors.WrapFatal(err, "frame", "ReadLine", "read record")
		}
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
}

// ReadBlob reads exactly length raw bytes following a length-prefixed record.
// A short read means the remote died mid-frame.
func (r *Reader) ReadBlob(length int) ([]byte, error) {
	if length < 0 || length > MaxBlobSize {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: blob length %d", errors.ErrProtocol, length),
			"frame", "ReadBlob", "validate length")
	}
	blob := make([]byte, length)
	if _, err := io.ReadFull(r.br, blob); err != nil {
		return nil, errors.WrapFatal(errors.ErrStreamClosed, "frame", "ReadBlob", "read payload")
	}
	return blob, nil
}

// ParseLength decodes the decimal length field of a blob header. Malformed
// lengths are classified fatal: no line-byte fallback decoding is attempted.
func ParseLength(field string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil || n < 0 || n > MaxBlobSize {
		return 0, errors.WrapFatal(
			fmt.Errorf("%w: length field %q", errors.ErrProtocol, field),
			"frame", "ParseLength", "parse length")
	}
	return n, nil
}

// Writer encodes line and blob records onto an ordered byte stream.
// It is not safe for concurrent use.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps an io.Writer for frame encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteLine emits one UTF-8 record terminated by a newline. The body must
// not contain a newline; that would split one message into two.
func (w *Writer) WriteLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return errors.WrapInvalid(
			fmt.Errorf("%w: embedded newline in %q", errors.ErrMalformedField, line),
			"frame", "WriteLine", "validate record")
	}
	if _, err := w.bw.WriteString(line); err != nil {
		return errors.WrapFatal(err, "frame", "WriteLine", "write record")
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return errors.WrapFatal(err, "frame", "WriteLine", "write record")
	}
	return nil
}

// WriteBlob emits a tagged length header followed by exactly len(payload)
// raw bytes with no added terminator. The header is written as a line; the
// caller supplies it already formatted (for example "G8" or "B3:8").
func (w *Writer) WriteBlob(header string, payload []byte) error {
	if len(payload) > MaxBlobSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: blob of %d bytes", errors.ErrMalformedField, len(payload)),
			"frame", "WriteBlob", "validate payload")
	}
	if err := w.WriteLine(header); err != nil {
		return err
	}
	if _, err := w.bw.Write(payload); err != nil {
		return errors.WrapFatal(err, "frame", "WriteBlob", "write payload")
	}
	return nil
}

// Flush pushes all buffered records to the underlying stream.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return errors.WrapFatal(err, "frame", "Flush", "flush stream")
	}
	return nil
}
