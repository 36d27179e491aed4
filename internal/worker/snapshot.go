package worker

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
)

const snapshotPrefix = "---HTTP-RESPONSE---\n"

// EncodeSnapshot captures a response (status line, headers and body) as a
// storable byte slice.
func EncodeSnapshot(resp *http.Response) ([]byte, error) {
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(snapshotPrefix), b...), nil
}

// DecodeSnapshot rebuilds a response from bytes produced by EncodeSnapshot.
func DecodeSnapshot(b []byte) (*http.Response, error) {
	if len(b) < len(snapshotPrefix) || string(b[:len(snapshotPrefix)]) != snapshotPrefix {
		return nil, fmt.Errorf("invalid snapshot prefix")
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(snapshotPrefix):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return resp, nil
}
