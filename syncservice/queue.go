package syncservice

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// pendingRequest is a storage request awaiting valid credentials:
// endpoint, method, body, if-modified-since, if-unmodified-since and a
// callback, where endpoint is path relative to the storage API root.
type pendingRequest struct {
	method            string
	path              string
	body              []byte
	ifModifiedSince   string
	ifUnmodifiedSince string
	callback          func(resp *http.Response, body []byte, err error)
	retried           bool // already re-queued once after a 401
}

// Request sends method/path (relative to the storage API root) once
// valid credentials are available, signing it with Hawk. If
// credentials are absent, expired, or a refresh is already underway,
// the request is queued and drained in FIFO order once the refresh
// completes: a mutex plus a goroutine per in-flight refresh serializing
// concurrent callers the same way a connection pool serializes
// concurrent workers.
func (s *Service) Request(method, path string, body []byte, ifModifiedSince, ifUnmodifiedSince string, callback func(*http.Response, []byte, error)) {
	req := &pendingRequest{
		method:            method,
		path:              path,
		body:              body,
		ifModifiedSince:   ifModifiedSince,
		ifUnmodifiedSince: ifUnmodifiedSince,
		callback:          callback,
	}

	s.mu.Lock()
	if s.cancel {
		s.mu.Unlock()
		callback(nil, nil, ErrCancelled)
		return
	}

	if s.creds.valid(time.Now()) && !s.locked {
		s.mu.Unlock()
		s.sendStorageRequest(req)
		return
	}

	s.queue = append(s.queue, req)
	needsRefresh := !s.locked
	s.mu.Unlock()

	if needsRefresh {
		go s.refreshCredentials()
	}
}

// storageRequestSync blocks until Request's callback fires, turning
// the queue's async contract into a plain call for the sync loop.
func (s *Service) storageRequestSync(method, path string, body []byte, ifModifiedSince, ifUnmodifiedSince string) (*http.Response, []byte, error) {
	type result struct {
		resp *http.Response
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	s.Request(method, path, body, ifModifiedSince, ifUnmodifiedSince, func(resp *http.Response, data []byte, err error) {
		ch <- result{resp, data, err}
	})
	r := <-ch
	return r.resp, r.body, r.err
}

// sendStorageRequest signs req with the current storage credentials
// and sends it. A 401 mid-flight means the credentials were revoked
// (e.g. the Token Server rotated them); the request is re-queued and a
// fresh refresh kicked off, once: a second 401 fails it with
// ErrCredentialsExpired.
func (s *Service) sendStorageRequest(req *pendingRequest) {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if creds == nil {
		req.callback(nil, nil, ErrCredentialsExpired)
		return
	}

	rawURL := strings.TrimRight(creds.Endpoint, "/") + "/" + req.path

	extra := make(map[string]string, 2)
	if req.ifModifiedSince != "" {
		extra["X-If-Modified-Since"] = req.ifModifiedSince
	}
	if req.ifUnmodifiedSince != "" {
		extra["X-If-Unmodified-Since"] = req.ifUnmodifiedSince
	}

	resp, data, err := s.doHawkRequest(req.method, rawURL, creds.ID, creds.Key, req.body, extra)
	if err != nil {
		req.callback(nil, nil, errors.Wrap(err, "syncservice: storage request"))
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if req.retried {
			req.callback(resp, data, ErrCredentialsExpired)
			return
		}
		req.retried = true
		s.mu.Lock()
		s.creds = nil
		s.queue = append(s.queue, req)
		needsRefresh := !s.locked
		s.mu.Unlock()
		if needsRefresh {
			go s.refreshCredentials()
		}
		return
	}

	req.callback(resp, data, nil)
}
