// Package streamtee relays a streaming upstream response to the client while
// capturing an identical copy for metering. The client connection never waits
// on accounting, and accounting never sees fewer bytes than the client did.
package streamtee

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const chunkSize = 32 * 1024

// Stream copies src to dst chunk by chunk, flushing dst after every write so
// SSE events reach the client as they arrive, and returns the captured bytes.
// A failure on either side aborts the relay; the captured prefix is returned
// alongside the error so the caller can decide whether enough of the stream
// survived to meter.
func Stream(ctx context.Context, dst io.Writer, src io.Reader) ([]byte, error) {
	flusher, _ := dst.(http.Flusher)
	var captured []byte
	buf := make([]byte, chunkSize)

	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return captured, fmt.Errorf("streamtee: canceled: %w", errCtx)
		}

		n, errRead := src.Read(buf)
		if n > 0 {
			captured = append(captured, buf[:n]...)
			if _, errWrite := dst.Write(buf[:n]); errWrite != nil {
				return captured, fmt.Errorf("streamtee: client write: %w", errWrite)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errRead == io.EOF {
			return captured, nil
		}
		if errRead != nil {
			return captured, fmt.Errorf("streamtee: upstream read: %w", errRead)
		}
	}
}
