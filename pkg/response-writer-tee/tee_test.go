package tee

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTeeWritesBothCopies(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set("Cache-Status", "client only")
	rs := NewResponseSaver(rr)
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusOK)
	io.WriteString(rs, "Hello ")
	io.WriteString(rs, "world")

	if body := rr.Body.String(); body != "Hello world" {
		t.Fatalf("Client body is %s", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Client Content-Type is %s", ct)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Header.Get("Cache-Status") != "" {
		t.Fatalf("Client-only header was saved: %v", res.Header)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "Hello world" {
		t.Fatalf("Saved body is %s", body)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestImplicitStatus(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Write([]byte("x"))
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (f failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("client gone")
}

func TestClientErrorKeepsBuffer(t *testing.T) {
	rs := NewResponseSaver(failingWriter{httptest.NewRecorder()})
	if _, err := io.WriteString(rs, "first"); err != nil {
		t.Fatal(err)
	}
	io.WriteString(rs, " second")
	if rs.ClientErr() == nil {
		t.Fatal("Client error not recorded")
	}
	if !bytes.HasSuffix(rs.Response(), []byte("first second")) {
		t.Fatalf("Buffer is %q", rs.Response())
	}
}
