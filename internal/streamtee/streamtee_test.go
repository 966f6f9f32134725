package streamtee

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkedReader yields its parts one Read at a time to exercise multi-chunk
// relays.
type chunkedReader struct {
	parts [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	r.parts[0] = r.parts[0][n:]
	if len(r.parts[0]) == 0 {
		r.parts = r.parts[1:]
	}
	return n, nil
}

type flushCountingWriter struct {
	bytes.Buffer
	flushes int
}

func (w *flushCountingWriter) Flush() { w.flushes++ }

func TestStreamByteIdenticalCopies(t *testing.T) {
	events := []string{
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n",
		"data: [DONE]\n\n",
	}
	src := &chunkedReader{}
	for _, e := range events {
		src.parts = append(src.parts, []byte(e))
	}
	want := strings.Join(events, "")

	var dst flushCountingWriter
	captured, errStream := Stream(context.Background(), &dst, src)
	if errStream != nil {
		t.Fatal(errStream)
	}
	if dst.String() != want {
		t.Errorf("client got %q, want %q", dst.String(), want)
	}
	if string(captured) != want {
		t.Errorf("captured %q, want %q", captured, want)
	}
	if dst.flushes != len(events) {
		t.Errorf("flushes = %d, want %d", dst.flushes, len(events))
	}
}

type failingWriter struct {
	allow int
	bytes.Buffer
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.allow <= 0 {
		return 0, errors.New("client gone")
	}
	w.allow--
	return w.Buffer.Write(p)
}

func TestStreamAbortsOnClientFailure(t *testing.T) {
	src := &chunkedReader{parts: [][]byte{[]byte("one"), []byte("two"), []byte("three")}}
	dst := &failingWriter{allow: 1}

	captured, errStream := Stream(context.Background(), dst, src)
	if errStream == nil {
		t.Fatal("expected client write error")
	}
	// The failed chunk is still captured so the caller knows what was read.
	if string(captured) != "onetwo" {
		t.Errorf("captured %q", captured)
	}
}

func TestStreamAbortsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	_, errStream := Stream(ctx, &dst, strings.NewReader("data"))
	if !errors.Is(errStream, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", errStream)
	}
}

type erroringReader struct{ after []byte }

func (r *erroringReader) Read(p []byte) (int, error) {
	if len(r.after) > 0 {
		n := copy(p, r.after)
		r.after = r.after[n:]
		return n, nil
	}
	return 0, errors.New("upstream reset")
}

func TestStreamReturnsPrefixOnUpstreamFailure(t *testing.T) {
	var dst bytes.Buffer
	captured, errStream := Stream(context.Background(), &dst, &erroringReader{after: []byte("partial")})
	if errStream == nil {
		t.Fatal("expected upstream read error")
	}
	if string(captured) != "partial" || dst.String() != "partial" {
		t.Errorf("captured %q, client %q", captured, dst.String())
	}
}
