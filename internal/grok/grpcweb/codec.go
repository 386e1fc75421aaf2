// Package grpcweb implements the thin slice of the gRPC-Web wire format
// needed by the account-bootstrap flow: frame encoding for outbound
// requests, and frame/trailer decoding for responses, including the
// base64-text transport variant some edge proxies use in front of Grok.
package grpcweb

import (
	"encoding/base64"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrCompressedFrame is returned when a response frame has the compression
// flag set; this codec does not implement gRPC-Web compression.
var ErrCompressedFrame = errors.New("grpc-web compressed frame is not supported")

const (
	flagTrailer    byte = 0x80
	flagCompressed byte = 0x01
)

// EncodeFrame wraps a protobuf-encoded message payload in a gRPC-Web data
// frame: a zero flag byte, a 4-byte big-endian length, then the payload.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = 0x00
	putUint32BE(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// ParseResult is the outcome of decoding a gRPC-Web response body.
type ParseResult struct {
	Messages    [][]byte
	Trailers    map[string]string
	GRPCStatus  *int
	GRPCMessage string
}

var base64TextPattern = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// ParseResponse decodes a gRPC-Web response body into its constituent
// messages and trailers. headers are the HTTP response headers, used as a
// fallback source for grpc-status/grpc-message when the trailer frame omits
// them. contentType is the response Content-Type header value.
func ParseResponse(body []byte, headers map[string]string, contentType string) (ParseResult, error) {
	result := ParseResult{Trailers: map[string]string{}}

	body = maybeDecodeBase64Text(body, contentType)

	for len(body) >= 5 {
		flag := body[0]
		length := readUint32BE(body[1:5])
		if uint64(5)+uint64(length) > uint64(len(body)) {
			break
		}
		frame := body[5 : 5+length]
		body = body[5+length:]

		if flag&flagTrailer != 0 {
			parseTrailerBlock(frame, result.Trailers)
			continue
		}
		if flag&flagCompressed != 0 {
			return result, ErrCompressedFrame
		}
		msg := make([]byte, len(frame))
		copy(msg, frame)
		result.Messages = append(result.Messages, msg)
	}

	if v, ok := result.Trailers["grpc-status"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			result.GRPCStatus = &n
		}
	} else if v, ok := headers["grpc-status"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			result.GRPCStatus = &n
		}
	}

	if v, ok := result.Trailers["grpc-message"]; ok {
		result.GRPCMessage = v
	} else if v, ok := headers["grpc-message"]; ok {
		if decoded, err := url.QueryUnescape(v); err == nil {
			result.GRPCMessage = decoded
		} else {
			result.GRPCMessage = v
		}
	}

	return result, nil
}

func maybeDecodeBase64Text(body []byte, contentType string) []byte {
	looksBase64Text := strings.Contains(strings.ToLower(contentType), "grpc-web-text")
	if !looksBase64Text && len(body) > 0 {
		probe := body
		if len(probe) > 1024 {
			probe = probe[:1024]
		}
		looksBase64Text = base64TextPattern.Match(probe)
	}
	if !looksBase64Text {
		return body
	}
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, string(body))
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		return body
	}
	return decoded
}

func parseTrailerBlock(frame []byte, into map[string]string) {
	text := strings.ReplaceAll(string(frame), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		if key == "grpc-message" {
			if decoded, err := url.QueryUnescape(val); err == nil {
				val = decoded
			}
		}
		into[key] = val
	}
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func readUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
