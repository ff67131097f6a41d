package httpparser

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const chunkBufSize = 32 << 10

var framingHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// WriteResponse serializes resp as an HTTP/1.1 response and closes its body.
// A known length is sent with Content-Length; otherwise the body is sent
// chunked and each chunk is flushed to w as soon as it was read.
func WriteResponse(w io.Writer, resp *http.Response) error {
	bw := bufio.NewWriterSize(w, chunkBufSize+64)
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	code := resp.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", code, reason(resp, code)); err != nil {
		return err
	}

	method := ""
	if resp.Request != nil {
		method = resp.Request.Method
	}
	hasBody := resp.Body != nil && resp.Body != http.NoBody
	length, known := responseLength(resp, hasBody)

	h := resp.Header
	if h == nil {
		h = http.Header{}
	}
	if err := h.WriteSubset(bw, framingHeaders); err != nil {
		return err
	}

	if resp.Close && h.Get("Connection") == "" {
		_, _ = io.WriteString(bw, "Connection: close\r\n")
	}

	sendBody := !Bodiless(method, code)
	chunkedBody := sendBody && !known
	switch {
	case code/100 == 1 || code == http.StatusNoContent:
	case chunkedBody:
		_, _ = io.WriteString(bw, "Transfer-Encoding: chunked\r\n")
	case known:
		_, _ = io.WriteString(bw, "Content-Length: "+strconv.FormatInt(length, 10)+"\r\n")
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if !sendBody || !hasBody {
		return nil
	}
	if !chunkedBody {
		n, err := io.CopyN(bw, resp.Body, length)
		if err != nil && n < length {
			return fmt.Errorf("response body shorter than Content-Length %d: %w", length, err)
		}
		return bw.Flush()
	}
	return writeChunked(bw, resp.Body)
}

func writeChunked(bw *bufio.Writer, body io.Reader) error {
	buf := make([]byte, chunkBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			fmt.Fprintf(bw, "%x\r\n", n)
			bw.Write(buf[:n])
			if _, werr := io.WriteString(bw, "\r\n"); werr != nil {
				return werr
			}
			if ferr := bw.Flush(); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if _, err := io.WriteString(bw, "0\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// reason returns the reason phrase, preferring a custom one carried in Status.
func reason(resp *http.Response, code int) string {
	if resp.Status != "" {
		prefix := strconv.Itoa(code)
		if r, ok := strings.CutPrefix(resp.Status, prefix); ok {
			if r = strings.TrimSpace(r); r != "" {
				return r
			}
		} else if !strings.ContainsAny(resp.Status[:1], "0123456789") {
			return resp.Status
		}
	}
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "status code " + strconv.Itoa(code)
}

func responseLength(resp *http.Response, hasBody bool) (int64, bool) {
	if resp.ContentLength > 0 {
		return resp.ContentLength, true
	}
	if !hasBody {
		if resp.ContentLength == 0 || resp.ContentLength == -1 {
			return 0, true
		}
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return -1, false
}
