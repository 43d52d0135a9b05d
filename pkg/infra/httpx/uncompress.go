package httpx

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

var errUnknownEncoding = errors.New("unsupported content-encoding")

// DecodeChain decodes body according to the Content-Encoding header. Chained
// encodings (e.g. "gzip, br") are undone right to left; br, gzip, zstd and
// deflate (zlib-wrapped or raw) are supported. Returns the decoded body and
// whether it changed.
func DecodeChain(header http.Header, body []byte) ([]byte, bool, error) {
	ce := header.Get("Content-Encoding")
	if ce == "" {
		return body, false, nil
	}
	encodings := strings.Split(ce, ",")
	changed := false
	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.TrimSpace(strings.ToLower(encodings[i]))
		if encoding == "" || encoding == "identity" || encoding == "compress" {
			continue
		}
		decoded, err := decodeOne(encoding, body)
		if err != nil {
			if errors.Is(err, errUnknownEncoding) {
				return nil, false, fmt.Errorf("unsupported content-encoding: %q", encodings[i])
			}
			return nil, false, err
		}
		body = decoded
		changed = true
	}
	return body, changed, nil
}

func decodeOne(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		return readAndClose(gr)
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		out, err := io.ReadAll(dec)
		dec.Close()
		if err != nil {
			return nil, err
		}
		return out, nil
	case "deflate":
		// zlib-wrapped first (the RFC meaning), raw DEFLATE as the
		// fallback servers actually send
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			return readAndClose(zr)
		}
		return readAndClose(flate.NewReader(bytes.NewReader(body)))
	default:
		return nil, errUnknownEncoding
	}
}

func readAndClose(r io.ReadCloser) ([]byte, error) {
	out, err := io.ReadAll(r)
	cerr := r.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// ReadDecodedBody drains, closes and decodes the response body, then
// reinstates a fresh reader so downstream consumers can read it again.
func ReadDecodedBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	raw, err := readAndClose(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	decoded, changed, err := DecodeChain(resp.Header, raw)
	if err != nil {
		return nil, err
	}
	if !changed {
		return raw, nil
	}
	return decoded, nil
}
