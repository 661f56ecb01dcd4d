package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Proxy-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// Age returns how long ago the response was stored.
func (s StoredResponse) Age(now time.Time) time.Duration {
	if s.StoredAt.IsZero() || now.Before(s.StoredAt) {
		return 0
	}
	return now.Sub(s.StoredAt)
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
// The request is set as the request of the returned response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		storedAtInt, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return sRes, fmt.Errorf("read stored response time: %w", err)
		}
		sRes.StoredAt = time.Unix(storedAtInt, 0)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	// connection management belonged to the original exchange
	res.Header.Del("Connection")
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response.
// The body of the response is read but set back, so it can still be used.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a HTTP/1.1 copy with a known length, whatever the protocol of the original
	clone := *res
	clone.Proto, clone.ProtoMajor, clone.ProtoMinor = "HTTP/1.1", 1, 1
	clone.TransferEncoding = nil
	clone.ContentLength = int64(len(body))
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.Header = res.Header.Clone()
	clone.Header.Del("Content-Length")
	clone.Header.Del("Transfer-Encoding")

	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}
