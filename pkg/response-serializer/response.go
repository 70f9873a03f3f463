package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Shellcache-Stored-At"
	opaqueHeaderName   = "Shellcache-Opaque"
)

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
	// Opaque responses are cross-origin responses kept as a black box.
	Opaque bool
}

func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	storedAtInt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored response without timestamp: %w", err)
	}
	sRes.StoredAt = time.Unix(0, storedAtInt)
	sRes.Opaque = res.Header.Get(opaqueHeaderName) == "1"
	// delete extra headers
	sRes.Response.Header.Del(storedAtHeaderName)
	sRes.Response.Header.Del(opaqueHeaderName)
	return sRes, nil
}

func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	if sRes.Opaque {
		res.Header.Set(opaqueHeaderName, "1")
	}
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(opaqueHeaderName)
	return bts, err
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed and set back, so the response stays usable.
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
