package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const samplePayload = `{"items":[{"id":1},{"id":2},{"id":3}],"next":"abc"}`

func compress(t *testing.T, coding, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w interface {
		Write([]byte) (int, error)
		Close() error
	}
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatal(err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   []byte
	}{
		{"identity", "", []byte(samplePayload)},
		{"explicit identity", "identity", []byte(samplePayload)},
		{"gzip", "gzip", compress(t, "gzip", samplePayload)},
		{"zlib deflate", "deflate", compress(t, "deflate", samplePayload)},
		{"raw deflate", "deflate", compress(t, "raw-deflate", samplePayload)},
		{"brotli", "br", compress(t, "br", samplePayload)},
		{"case insensitive", "GZIP", compress(t, "gzip", samplePayload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeContent(tt.header, tt.body, 0)
			if err != nil {
				t.Fatalf("decodeContent() error = %v", err)
			}
			if string(got) != samplePayload {
				t.Errorf("decodeContent() = %q, want %q", got, samplePayload)
			}
		})
	}
}

func TestDecodeContent_Stacked(t *testing.T) {
	inner := compress(t, "gzip", samplePayload)
	outer := compress(t, "br", string(inner))

	got, err := decodeContent("gzip, br", outer, 0)
	if err != nil {
		t.Fatalf("decodeContent() error = %v", err)
	}
	if string(got) != samplePayload {
		t.Errorf("decodeContent() = %q", got)
	}
}

func TestDecodeContent_Errors(t *testing.T) {
	if _, err := decodeContent("compress", []byte("x"), 0); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("unknown coding error = %v, want ErrUnsupportedEncoding", err)
	}
	if _, err := decodeContent("gzip", []byte("not gzip"), 0); err == nil {
		t.Error("expected error for corrupt gzip body")
	}

	big := compress(t, "gzip", strings.Repeat("a", 10_000))
	if _, err := decodeContent("gzip", big, 1000); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("decoded size error = %v, want ErrBodyTooLarge", err)
	}
}

func TestSend_DecodesCompressedBodies(t *testing.T) {
	for _, coding := range []string{"gzip", "deflate", "br"} {
		t.Run(coding, func(t *testing.T) {
			body := compress(t, coding, samplePayload)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), coding) {
					t.Errorf("Accept-Encoding %q does not advertise %s", r.Header.Get("Accept-Encoding"), coding)
				}
				w.Header().Set("Content-Encoding", coding)
				w.Write(body)
			}))
			defer server.Close()

			c := newTestClient(t, Config{})
			resp, err := c.Send(context.Background(), &Request{URL: server.URL})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if string(resp.Body) != samplePayload {
				t.Errorf("Body = %q, want %q", resp.Body, samplePayload)
			}
			if resp.Header.Get("Content-Encoding") != "" {
				t.Error("Content-Encoding should be removed after decoding")
			}
		})
	}
}
