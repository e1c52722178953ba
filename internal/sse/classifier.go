// Package sse classifies the terminal event of a Server-Sent-Events result
// stream, as produced by Gradio-style "initiate then stream" backends.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the terminal classification of a stream.
type Kind int

const (
	// Incomplete means the stream ended without a complete or error event.
	Incomplete Kind = iota
	Complete
	Error
)

func (k Kind) String() string {
	switch k {
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return "incomplete"
}

// Terminal is the typed outcome of Classify. Data holds the raw payload of
// the complete or error event.
type Terminal struct {
	Kind Kind
	Data []byte
}

// maxLineBytes bounds one SSE line; complete events may inline images.
const maxLineBytes = 32 << 20

// Classify scans r until the first complete or error event. Only those
// two event types are acted on; heartbeats and progress events are skipped.
// Multi-line data fields are joined with "\n".
func Classify(r io.Reader) (Terminal, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	event := ""
	var data [][]byte

	flush := func() (Terminal, bool) {
		defer func() { event, data = "", nil }()
		if len(data) == 0 {
			return Terminal{}, false
		}
		payload := bytes.Join(data, []byte("\n"))
		switch event {
		case "complete":
			return Terminal{Kind: Complete, Data: payload}, true
		case "error":
			return Terminal{Kind: Error, Data: payload}, true
		}
		return Terminal{}, false
	}

	for sc.Scan() {
		line := sc.Bytes()

		if len(line) == 0 {
			if t, done := flush(); done {
				return t, nil
			}
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			// A new header without a blank separator still starts a new frame.
			if t, done := flush(); done {
				return t, nil
			}
			event = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}

	if err := sc.Err(); err != nil {
		return Terminal{}, fmt.Errorf("sse: read stream: %w", err)
	}
	if t, done := flush(); done {
		return t, nil
	}
	return Terminal{Kind: Incomplete}, nil
}

func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// Output is one entry of a complete payload.
type Output struct {
	URL  string
	Path string
}

// Ref returns the best reference for the output.
func (o Output) Ref() string {
	if o.URL != "" {
		return o.URL
	}
	return o.Path
}

var ErrNotList = errors.New("sse: complete payload is not a list")

// ParseOutputs decodes a complete payload: a JSON list whose entries are
// either objects with url/path (optionally nested under "image") or bare
// strings. Non-reference entries such as seeds are skipped.
func ParseOutputs(data []byte) ([]Output, error) {
	v := gjson.ParseBytes(data)
	if !v.IsArray() {
		return nil, ErrNotList
	}

	var out []Output
	v.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			if s := strings.TrimSpace(item.Str); s != "" {
				out = append(out, Output{URL: s})
			}
		case item.IsObject():
			obj := item
			if img := item.Get("image"); img.IsObject() {
				obj = img
			}
			o := Output{URL: obj.Get("url").String(), Path: obj.Get("path").String()}
			if o.Ref() != "" {
				out = append(out, o)
			}
		case item.IsArray():
			// Galleries: [[{image:{url}}, caption], ...]
			item.ForEach(func(_, inner gjson.Result) bool {
				if inner.IsObject() {
					obj := inner
					if img := inner.Get("image"); img.IsObject() {
						obj = img
					}
					o := Output{URL: obj.Get("url").String(), Path: obj.Get("path").String()}
					if o.Ref() != "" {
						out = append(out, o)
					}
				}
				return true
			})
		}
		return true
	})
	return out, nil
}
