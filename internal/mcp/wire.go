package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

// conn reads requests and writes responses on a stdio pair. Each response
// is written in the framing its request arrived in.
type conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newConn(in io.Reader, out io.Writer) *conn {
	return &conn{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

func (c *conn) read() ([]byte, wireMode, error) {
	mode, err := c.detect()
	if err != nil {
		return nil, wireModeFramed, err
	}
	if mode == wireModeJSONLine {
		payload, err := c.readLine()
		return payload, mode, err
	}
	payload, err := c.readFramed()
	return payload, mode, err
}

func (c *conn) write(msg response, mode wireMode) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *conn) detect() (wireMode, error) {
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		_, _ = c.r.ReadByte()
	}

	peek, err := c.r.Peek(len("content-length:"))
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
		return wireModeFramed, err
	}
	if strings.EqualFold(string(peek), "content-length:") {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func (c *conn) readLine() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func (c *conn) readFramed() ([]byte, error) {
	length := 0
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
