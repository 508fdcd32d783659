package exchange

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

var errStopDecoding = errors.New("stop decoding")

// decodePayloads reads GraphQL payloads from an HTTP response body. JSON
// bodies yield one payload; multipart/mixed and text/event-stream bodies
// yield one per part or event. emit returns false to stop reading.
func decodePayloads(contentType string, body io.Reader, emit func(map[string]any) bool) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "multipart/mixed":
		boundary := params["boundary"]
		if boundary == "" {
			boundary = "-"
		}
		return decodeMultipart(body, boundary, emit)
	case "text/event-stream":
		return decodeEventStream(body, emit)
	default:
		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode response: %w: %s", err, truncateBody(raw))
		}
		emit(payload)
		return nil
	}
}

func decodeMultipart(body io.Reader, boundary string, emit func(map[string]any) bool) error {
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read multipart response: %w", err)
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("read multipart response: %w", err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode multipart response: %w", err)
		}
		// heartbeat
		if len(payload) == 0 {
			continue
		}
		if !emit(payload) {
			return nil
		}
	}
}

func decodeEventStream(body io.Reader, emit func(map[string]any) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var event string
	var data strings.Builder

	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		if event == "complete" {
			return errStopDecoding
		}
		if data.Len() == 0 {
			return nil
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(data.String()), &payload); err != nil {
			return fmt.Errorf("decode event stream: %w", err)
		}
		if !emit(payload) {
			return errStopDecoding
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, errStopDecoding) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	if err := dispatch(); err != nil && !errors.Is(err, errStopDecoding) {
		return err
	}
	return nil
}

func truncateBody(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
