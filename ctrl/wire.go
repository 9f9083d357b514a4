// Package ctrl implements both ends of the controller stdio protocol: the
// Driver that an environment uses to run one controller subprocess, and the
// Serve loop that a controller written in Go uses to answer it.
//
// The wire format is line oriented. Every message starts with a single type
// character; binary payloads follow a length header line and are read in
// raw mode. Save, Load and Genome carry their state inline as blobs.
package ctrl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
)

// Message type characters. Any other letter is an application-defined
// custom message and passes through verbatim.
const (
	TagEnvironment = 'E'
	TagPopulation  = 'P'
	TagGenome      = 'G'
	TagReset       = 'R'
	TagAdvance     = 'A'
	TagInput       = 'I'
	TagBinary      = 'B'
	TagOutput      = 'O'
	TagSave        = 'S'
	TagLoad        = 'L'
	TagQuit        = 'Q'

	// tagAdvanceLegacy is the advance tag used by older controllers.
	// Accepted on decode, never emitted.
	tagAdvanceLegacy = 'X'
)

// Request is one decoded message from the environment to the controller.
type Request struct {
	Tag byte

	// GIN addresses Input, Binary and Output requests.
	GIN uint64

	// Value holds the environment path, population name, input value,
	// advance duration in seconds (as text), or a custom message's body.
	Value string

	// Blob holds genome, binary input and load-state payloads.
	Blob []byte
}

// WriteRequest frames one request onto the stream without flushing, so a
// burst of fire-and-forget messages costs one flush.
func WriteRequest(w *frame.Writer, req Request) error {
	switch req.Tag {
	case TagEnvironment, TagPopulation:
		return w.WriteLine(string(req.Tag) + req.Value)
	case TagGenome, TagLoad:
		header := fmt.Sprintf("%c%d", req.Tag, len(req.Blob))
		return w.WriteBlob(header, req.Blob)
	case TagReset, TagSave, TagQuit:
		return w.WriteLine(string(req.Tag))
	case TagAdvance:
		return w.WriteLine(string(TagAdvance) + req.Value)
	case TagInput:
		return w.WriteLine(fmt.Sprintf("%c%d:%s", TagInput, req.GIN, req.Value))
	case TagBinary:
		header := fmt.Sprintf("%c%d:%d", TagBinary, req.GIN, len(req.Blob))
		return w.WriteBlob(header, req.Blob)
	case TagOutput:
		return w.WriteLine(fmt.Sprintf("%c%d", TagOutput, req.GIN))
	default:
		return w.WriteLine(string(req.Tag) + req.Value)
	}
}

// ReadRequest decodes the next message from the environment. End-of-stream
// surfaces as a StreamClosed error, which the serve loop treats as quit.
func ReadRequest(r *frame.Reader) (Request, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Request{}, err
	}
	tag, body := line[0], line[1:]

	switch tag {
	case TagEnvironment, TagPopulation:
		return Request{Tag: tag, Value: body}, nil
	case TagReset, TagQuit:
		return Request{Tag: tag}, nil
	case TagAdvance, tagAdvanceLegacy:
		return Request{Tag: TagAdvance, Value: body}, nil
	case TagGenome, TagLoad:
		length, err := frame.ParseLength(body)
		if err != nil {
			return Request{}, err
		}
		blob, err := r.ReadBlob(length)
		if err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, Blob: blob}, nil
	case TagInput:
		gin, value, err := splitGIN(body)
		if err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, GIN: gin, Value: value}, nil
	case TagBinary:
		gin, lengthField, err := splitGIN(body)
		if err != nil {
			return Request{}, err
		}
		length, err := frame.ParseLength(lengthField)
		if err != nil {
			return Request{}, err
		}
		blob, err := r.ReadBlob(length)
		if err != nil {
			return Request{}, err
		}
		return Request{Tag: tag, GIN: gin, Blob: blob}, nil
	case TagOutput:
		gin, err := strconv.ParseUint(body, 10, 64)
		if err != nil {
			return Request{}, errors.WrapFatal(
				fmt.Errorf("%w: output gin %q", errors.ErrMalformedField, body),
				"ctrl", "ReadRequest", "parse gin")
		}
		return Request{Tag: tag, GIN: gin}, nil
	case TagSave:
		return Request{Tag: tag}, nil
	default:
		return Request{Tag: tag, Value: body}, nil
	}
}

func splitGIN(body string) (uint64, string, error) {
	gin, rest, found := strings.Cut(body, ":")
	if !found {
		return 0, "", errors.WrapFatal(
			fmt.Errorf("%w: expected gin:value in %q", errors.ErrMalformedField, body),
			"ctrl", "ReadRequest", "split field")
	}
	n, err := strconv.ParseUint(gin, 10, 64)
	if err != nil {
		return 0, "", errors.WrapFatal(
			fmt.Errorf("%w: gin %q", errors.ErrMalformedField, gin),
			"ctrl", "ReadRequest", "parse gin")
	}
	return n, rest, nil
}

// WriteOutputReply frames an output value as "GIN:VALUE".
func WriteOutputReply(w *frame.Writer, gin uint64, value string) error {
	if err := w.WriteLine(fmt.Sprintf("%d:%s", gin, value)); err != nil {
		return err
	}
	return w.Flush()
}

// WriteSaveReply frames saved controller state as an inline blob.
func WriteSaveReply(w *frame.Writer, state []byte) error {
	header := fmt.Sprintf("%c%d", TagSave, len(state))
	if err := w.WriteBlob(header, state); err != nil {
		return err
	}
	return w.Flush()
}

// ReadOutputReply decodes an output value. Both documented reply shapes
// decode: the bare "GIN:VALUE" line and the older "O GIN" header with the
// value on the following line.
func ReadOutputReply(r *frame.Reader) (uint64, string, error) {
	line, err := r.ReadLine()
	if err != nil {
		return 0, "", err
	}
	if line[0] == TagOutput {
		gin, err := strconv.ParseUint(line[1:], 10, 64)
		if err == nil {
			value, err := r.ReadLine()
			if err != nil {
				return 0, "", err
			}
			return gin, value, nil
		}
	}
	ginField, value, found := strings.Cut(line, ":")
	if !found {
		return 0, "", errors.WrapFatal(
			fmt.Errorf("%w: output reply %q", errors.ErrMalformedField, line),
			"ctrl", "ReadOutputReply", "split reply")
	}
	gin, err := strconv.ParseUint(ginField, 10, 64)
	if err != nil {
		return 0, "", errors.WrapFatal(
			fmt.Errorf("%w: output reply gin %q", errors.ErrMalformedField, ginField),
			"ctrl", "ReadOutputReply", "parse gin")
	}
	return gin, value, nil
}

// ReadSaveReply decodes a saved-state blob.
func ReadSaveReply(r *frame.Reader) ([]byte, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	if line[0] != TagSave {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: expected save reply, got %q", errors.ErrMalformedField, line),
			"ctrl", "ReadSaveReply", "match tag")
	}
	length, err := frame.ParseLength(line[1:])
	if err != nil {
		return nil, err
	}
	return r.ReadBlob(length)
}
