package llm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// LineParser decodes one line of a streaming HTTP body. It returns the text
// fragment carried by the line (possibly empty) and done=true once the
// provider signals the end of the reply.
type LineParser func(line []byte) (fragment string, done bool, err error)

// LineStream adapts a line-delimited streaming response body (SSE or NDJSON)
// to a Stream.
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   LineParser
	cancel  context.CancelFunc
	wrapErr func(error) error

	closeOnce sync.Once
	done      bool
}

// NewLineStream creates a stream over body. cancel aborts the request that
// produced body; wrapErr converts transport failures into provider errors.
func NewLineStream(body io.ReadCloser, parse LineParser, cancel context.CancelFunc, wrapErr func(error) error) *LineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &LineStream{
		body:    body,
		scanner: scanner,
		parse:   parse,
		cancel:  cancel,
		wrapErr: wrapErr,
	}
}

// Next returns the next non-empty fragment or io.EOF
func (s *LineStream) Next() (string, error) {
	for !s.done {
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return "", s.wrap(err)
			}
			return "", io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		fragment, done, err := s.parse(line)
		if err != nil {
			s.done = true
			return "", err
		}
		if done {
			s.done = true
		}
		if fragment != "" {
			return fragment, nil
		}
	}
	return "", io.EOF
}

func (s *LineStream) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || s.wrapErr == nil {
		return err
	}
	return s.wrapErr(err)
}

// Close aborts the request and releases the body
func (s *LineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.body.Close()
	})
	return err
}
