// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client talks JSON to the REST api of the gateway

A client created with NewWithRouter serves requests directly through the mux
router without a network round trip, which is what tests and the in-process
simulator use. A client created with NewWithURL talks HTTP to a remote
gateway, which is how devices use it.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// StatusError is returned for responses with an unexpected status code
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// IsStatus returns true if err is a StatusError with the given status code
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

// Client is a JSON client for the REST api
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context
}

// NewWithRouter returns a client which serves requests through router
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL returns a client for the gateway at url
func NewWithURL(url string) Client {
	return Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithHTTPClient returns a new client which uses hc, for example with a TLS
// configuration of its own
func (c Client) WithHTTPClient(hc *http.Client) Client {
	c.httpClient = hc
	return c
}

// WithContext returns a new client whose requests use ctx
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// RawGet performs a GET request and decodes the response into result.
// Statuses other than 200 and 204 return a StatusError.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.request(http.MethodGet, path, nil, result, http.StatusOK, http.StatusNoContent)
}

// RawPost performs a POST request and decodes the response into result. The
// body is marshalled to JSON unless it is a []byte already. Statuses other
// than 200, 201 and 202 return a StatusError.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	data, ok := body.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("POST %s: %w", path, err)
		}
	}
	return c.request(http.MethodPost, path, data, result, http.StatusOK, http.StatusCreated, http.StatusAccepted)
}

func (c Client) request(method, path string, body []byte, result interface{}, accepted ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.context(), method, c.url+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")

	status, resBody, err := c.roundTrip(r)
	if err != nil {
		return status, fmt.Errorf("%s %s: %w", method, path, err)
	}
	for _, a := range accepted {
		if status == a {
			return status, decode(resBody, result)
		}
	}
	return status, &StatusError{
		Method:  method,
		Path:    path,
		Status:  status,
		Message: strings.TrimSpace(string(resBody)),
	}
}

func (c Client) roundTrip(r *http.Request) (int, []byte, error) {
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes(), nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	return res.StatusCode, resBody, err
}

func decode(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}
