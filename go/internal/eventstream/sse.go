package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEDialer opens the push channel as a text/event-stream. Each event's data
// lines carry one JSON frame.
type SSEDialer struct {
	URL    string
	Client *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context, credential string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+credential)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("dial %s: unexpected status %d", d.URL, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the data of the next event, skipping comments and events
// without data.
func (s *sseStream) Recv() ([]byte, error) {
	var data bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
