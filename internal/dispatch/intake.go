package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

const maxLineBytes = 64 << 10

var ErrMalformedLine = errors.New("malformed intake line")

// intakeLine is one newline-delimited JSON request
type intakeLine struct {
	Client string `json:"client" validate:"required,max=512"`
	Email  string `json:"email"`
}

// Result reports the outcome of one intake line. Line is 1-based.
type Result struct {
	Line   int
	Client string
	Email  string
	Token  string
	Err    error
}

type scanned struct {
	n    int
	data []byte
}

// Run reads requests from r, one JSON object per line, and dispatches them in order.
// Blank lines are skipped. Malformed lines are reported through handle and do not stop the run.
// Run returns nil at EOF, ctx.Err() when cancelled, or the read error.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader, handle func(Result)) error {
	if handle == nil {
		handle = func(Result) {}
	}

	lines := make(chan scanned)
	readErr := make(chan error, 1)

	// reads happen off the dispatch loop so a blocked stdin read cannot hold up cancellation
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		n := 0
		for sc.Scan() {
			n++
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- scanned{n: n, data: buf}:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return xerrors.EnsureTrace(xerrors.Wrap(err, "read intake"))
					}
					return nil
				default:
					return ctx.Err()
				}
			}
			handle(d.handleLine(ctx, l))
		}
	}
}

func (d *Dispatcher) handleLine(ctx context.Context, l scanned) Result {
	res := Result{Line: l.n}

	var in intakeLine
	dec := json.NewDecoder(bytes.NewReader(l.data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		d.metrics.IncIntakeMalformed()
		res.Err = xerrors.Wrapf(ErrMalformedLine, "line %d: %v", l.n, err)
		return res
	}
	// exactly one object per line, a second value or trailing bytes would otherwise be dropped
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		d.metrics.IncIntakeMalformed()
		res.Err = xerrors.Wrapf(ErrMalformedLine, "line %d: trailing data after object", l.n)
		return res
	}
	res.Client, res.Email = in.Client, in.Email

	if err := d.validate.Struct(in); err != nil {
		d.metrics.IncIntakeMalformed()
		res.Err = xerrors.Wrapf(ErrMalformedLine, "line %d: client missing or too long", l.n)
		return res
	}

	res.Token, res.Err = d.RequestConfirmation(ctx, in.Client, in.Email)
	return res
}
