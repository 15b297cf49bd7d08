package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// EncodeResponse 以 HTTP/1.1 报文格式序列化响应（状态行 + header + 正文）。
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("encode response: nil response")
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	wire := &http.Response{
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(resp.Body)),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
	}

	var buf bytes.Buffer
	if err := wire.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse 解析 EncodeResponse 的输出，rawURL 作为响应来源地址回填。
func DecodeResponse(rawURL string, data []byte) (*Response, error) {
	wire, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	defer wire.Body.Close()

	body, err := io.ReadAll(wire.Body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}

	header := wire.Header
	header.Del("Content-Length")

	return &Response{
		URL:        rawURL,
		StatusCode: wire.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}
