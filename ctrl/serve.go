package ctrl

import (
	stderrors "errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
)

// Handler is the controller side of the protocol: one method per message.
// A controller program implements this and hands it to Serve.
//
// Methods are called strictly in message arrival order, from a single
// goroutine. Returning an error stops the serve loop; controllers that can
// recover should log and return nil instead.
type Handler interface {
	// Environment announces the environment specification file.
	Environment(specPath string) error

	// Population announces which population this controller belongs to.
	Population(name string) error

	// Genome replaces the controller's model. The previous model is
	// discarded without ceremony.
	Genome(genome []byte) error

	// Reset returns the controller to its initial state, keeping the
	// current genome.
	Reset() error

	// Advance steps the controller by dt seconds.
	Advance(dt float64) error

	// SetInput delivers one sensor value.
	SetInput(gin uint64, value string) error

	// SetBinaryInput delivers one raw sensor payload.
	SetBinaryInput(gin uint64, payload []byte) error

	// GetOutput produces one motor value.
	GetOutput(gin uint64) (string, error)

	// Save serializes the controller's full state.
	Save() ([]byte, error)

	// Load replaces the controller's full state with a blob from Save.
	Load(state []byte) error

	// Message receives an application-defined custom message.
	Message(tag byte, body string) error
}

// Serve runs a controller's side of the protocol over the given streams
// until the environment quits or the stream closes. Controller programs
// call this from main with os.Stdin and os.Stdout.
func Serve(in io.Reader, out io.Writer, h Handler) error {
	r := frame.NewReader(in)
	w := frame.NewWriter(out)

	for {
		req, err := ReadRequest(r)
		if err != nil {
			// A closed input stream is the quit signal.
			if stderrors.Is(err, errors.ErrStreamClosed) {
				return nil
			}
			return err
		}

		switch req.Tag {
		case TagQuit:
			return nil
		case TagEnvironment:
			err = h.Environment(req.Value)
		case TagPopulation:
			err = h.Population(req.Value)
		case TagGenome:
			err = h.Genome(req.Blob)
		case TagReset:
			err = h.Reset()
		case TagAdvance:
			var dt float64
			if req.Value != "" {
				dt, err = strconv.ParseFloat(req.Value, 64)
				if err != nil {
					err = errors.WrapInvalid(
						fmt.Errorf("%w: advance duration %q",
							errors.ErrMalformedField, req.Value),
						"ctrl", "Serve", "parse duration")
					break
				}
			}
			err = h.Advance(dt)
		case TagInput:
			err = h.SetInput(req.GIN, req.Value)
		case TagBinary:
			err = h.SetBinaryInput(req.GIN, req.Blob)
		case TagOutput:
			var value string
			value, err = h.GetOutput(req.GIN)
			if err == nil {
				err = WriteOutputReply(w, req.GIN, value)
			}
		case TagSave:
			var state []byte
			state, err = h.Save()
			if err == nil {
				err = WriteSaveReply(w, state)
			}
		case TagLoad:
			err = h.Load(req.Blob)
		default:
			err = h.Message(req.Tag, req.Value)
		}
		if err != nil {
			return err
		}
	}
}
