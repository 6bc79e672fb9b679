package syncservice

import (
	"bytes"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/hawk"
)

// doHawkRequest signs method/rawURL with (id, key) and sends it,
// returning the response (body already drained and the original
// response closed) so callers never have to remember to close it.
func (s *Service) doHawkRequest(method, rawURL, id string, key []byte, body []byte, extraHeaders map[string]string) (*http.Response, []byte, error) {
	var reader io.Reader
	payload := ""
	contentType := ""
	if body != nil {
		reader = bytes.NewReader(body)
		payload = string(body)
		contentType = "application/json; charset=utf-8"
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "syncservice: build request")
	}

	header, _, err := hawk.Header(rawURL, method, id, key, &hawk.Options{Payload: payload, ContentType: contentType})
	if err != nil {
		return nil, nil, errors.Wrap(err, "syncservice: build hawk header")
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("User-Agent", s.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "syncservice: do request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "syncservice: read response body")
	}
	return resp, data, nil
}
