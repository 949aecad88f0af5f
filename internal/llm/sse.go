package llm

import (
	"bufio"
	"io"
	"strings"
)

// readSSE calls fn with the payload of every "data:" line of a
// server-sent event stream until the body ends, fn returns an error, or
// an OpenAI style "[DONE]" sentinel arrives.
func readSSE(body io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
