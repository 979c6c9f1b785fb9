package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	eventHeader         = "X-GitHub-Event:"
	contentLengthHeader = "Content-Length:"

	// DefaultMaxHeaderBytes bounds the header block when the caller passes 0
	DefaultMaxHeaderBytes = 64 * 1024

	// DefaultMaxBodyBytes matches the largest payload GitHub delivers
	DefaultMaxBodyBytes = 25 << 20
)

// OKResponse is written to every accepted connection, whatever the event was
const OKResponse = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK"

var (
	ErrBadContentLength = errors.New("wire: malformed Content-Length")
	ErrHeaderTooLarge   = errors.New("wire: header block too large")
	ErrBodyTooLarge     = errors.New("wire: declared body too large")
)

// Request is the part of an inbound webhook we care about
type Request struct {
	EventType     string
	HasEventType  bool
	ContentLength uint32
	Body          []byte
}

// ReadRequest reads header lines up to the first blank line, then exactly
// Content-Length bytes of body. A body cut short by EOF is returned as-is.
func ReadRequest(r io.Reader, maxHeaderBytes int) (Request, error) {
	return ReadRequestLimit(r, maxHeaderBytes, DefaultMaxBodyBytes)
}

// ReadRequestLimit is ReadRequest with a cap on the declared Content-Length.
// A request declaring more than maxBodyBytes fails before any body is read.
func ReadRequestLimit(r io.Reader, maxHeaderBytes int, maxBodyBytes int64) (Request, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	var req Request
	br := bufio.NewReader(r)
	read := 0

	for {
		line, err := br.ReadString('\n')
		read += len(line)
		if read > maxHeaderBytes {
			return req, ErrHeaderTooLarge
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return req, fmt.Errorf("wire: read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// blank line, or the stream closed before one arrived
			break
		}

		switch {
		case strings.HasPrefix(line, eventHeader):
			req.EventType = strings.TrimSpace(line[len(eventHeader):])
			req.HasEventType = true
		case strings.HasPrefix(line, contentLengthHeader):
			n, perr := strconv.ParseUint(strings.TrimSpace(line[len(contentLengthHeader):]), 10, 32)
			if perr != nil {
				return req, fmt.Errorf("%w: %v", ErrBadContentLength, perr)
			}
			req.ContentLength = uint32(n)
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if int64(req.ContentLength) > maxBodyBytes {
		return req, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, req.ContentLength, maxBodyBytes)
	}
	if req.ContentLength == 0 {
		req.Body = []byte{}
		return req, nil
	}

	var body bytes.Buffer
	if _, err := io.CopyN(&body, br, int64(req.ContentLength)); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("wire: read body: %w", err)
	}
	req.Body = body.Bytes()
	return req, nil
}

// WriteOK writes the fixed acknowledgement
func WriteOK(w io.Writer) error {
	_, err := io.WriteString(w, OKResponse)
	return err
}
