// Package stream decodes chat-completion event streams into text deltas.
//
// The upstream writes one JSON object per "data: " line, in the shape
// {"choices":[{"delta":{"content":"..."}}]}, and terminates the stream with "data: [DONE]".
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

const readSize = 4096

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// Done is the frame that terminates a stream.
var Done = []byte("data: [DONE]\n\n")

type chunk struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Delta delta `json:"delta"`
}

type delta struct {
	Content string `json:"content,omitempty"`
}

// Deltas returns an iterator over the text deltas carried by the event stream in r. The sequence is
// finite and can only be consumed once.
//
// Bytes are buffered until a full line is available, so chunk boundaries may fall anywhere, including
// inside a multi-byte character. Blank lines, comments, lines without the "data: " prefix and data
// lines that are not valid JSON are skipped. After the [DONE] sentinel nothing more is yielded, but r
// is still read until it reports io.EOF. A line left without a trailing newline when r ends is
// processed as well. A read error is yielded once and ends the sequence.
func Deltas(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var (
			buf  []byte
			done bool
		)

		// emit reports false when the consumer stopped the iteration.
		emit := func(line []byte) bool {
			if done {
				return true
			}
			content, finished := decodeLine(line)
			if finished {
				done = true
				return true
			}
			if content == "" {
				return true
			}
			return yield(content, nil)
		}

		p := make([]byte, readSize)
		for {
			n, err := r.Read(p)
			if n > 0 {
				buf = append(buf, p[:n]...)
				for {
					idx := bytes.IndexByte(buf, '\n')
					if idx == -1 {
						break
					}
					line := buf[:idx]
					buf = buf[idx+1:]
					if !emit(line) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", fmt.Errorf("error reading stream: %w", err))
				return
			}
		}

		for _, line := range bytes.Split(buf, []byte("\n")) {
			if !emit(line) {
				return
			}
		}
	}
}

// decodeLine returns the delta content carried by line, or finished when line is the [DONE] sentinel.
func decodeLine(line []byte) (content string, finished bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return "", false
	}

	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, doneSentinel) {
		return "", true
	}

	// A line that does not decode is dropped; the upstream never splits an object across lines.
	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", false
	}
	if len(c.Choices) == 0 {
		return "", false
	}
	return c.Choices[0].Delta.Content, false
}

// Frame encodes content as a single event-stream data frame.
func Frame(content string) []byte {
	b, _ := json.Marshal(chunk{Choices: []choice{{Delta: delta{Content: content}}}})

	frame := make([]byte, 0, len(dataPrefix)+len(b)+2)
	frame = append(frame, dataPrefix...)
	frame = append(frame, b...)
	return append(frame, '\n', '\n')
}
