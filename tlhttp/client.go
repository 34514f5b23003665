package tlhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/tlstore"
)

// Client controls a remote trace log via its server.
type Client struct {
	client HTTPClient
	uri    string
}

// NewClient returns a client for the server at the remote URI. URIs without a
// scheme are taken as HTTP. Unix socket URIs, e.g. unix:///tmp/tracelog.sock,
// require a client whose transport is registered with unixtransport.
func NewClient(client HTTPClient, remoteURI string) *Client {
	if !strings.Contains(remoteURI, "://") {
		remoteURI = "http://" + remoteURI
	}
	return &Client{
		client: client,
		uri:    strings.TrimSuffix(remoteURI, "/"),
	}
}

// Status returns the state of the remote trace log.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var res StatusResponse
	err := c.do(ctx, "GET", "/status", nil, nil, http.StatusOK, &res)
	return res, err
}

// Categories returns every category registered in the remote trace log.
func (c *Client) Categories(ctx context.Context) ([]CategoryInfo, error) {
	var res []CategoryInfo
	err := c.do(ctx, "GET", "/categories", nil, nil, http.StatusOK, &res)
	return res, err
}

// Start enables the modes with the config.
func (c *Client) Start(ctx context.Context, cfg tracelog.TraceConfig, modes tracelog.Mode) (StatusResponse, error) {
	body, err := json.Marshal(tracelog.NewTraceConfigFile(cfg))
	if err != nil {
		return StatusResponse{}, fmt.Errorf("encode config: %w", err)
	}

	var res StatusResponse
	err = c.do(ctx, "POST", "/start", url.Values{"modes": {modes.String()}}, body, http.StatusOK, &res)
	return res, err
}

// Stop disables the modes.
func (c *Client) Stop(ctx context.Context, modes tracelog.Mode) (StatusResponse, error) {
	var res StatusResponse
	err := c.do(ctx, "POST", "/stop", url.Values{"modes": {modes.String()}}, nil, http.StatusOK, &res)
	return res, err
}

// Dump flushes the remote trace buffer to w. If archive is not empty, the
// output is also archived under that name, and the session ID is returned.
func (c *Client) Dump(ctx context.Context, w io.Writer, archive string) (sessionID string, err error) {
	query := url.Values{}
	if archive != "" {
		query.Set("archive", archive)
	}

	res, err := c.request(ctx, "POST", "/dump", query, nil)
	if err != nil {
		return "", err
	}
	defer drain(res)

	if err := checkResponse(res, http.StatusOK); err != nil {
		return "", err
	}

	if _, err := io.Copy(w, res.Body); err != nil {
		return "", fmt.Errorf("read dump: %w", err)
	}

	return res.Header.Get("x-tracelog-session"), nil
}

// Cancel disables every mode and discards the remote trace buffer.
func (c *Client) Cancel(ctx context.Context) error {
	return c.do(ctx, "POST", "/dump", url.Values{"discard": {"true"}}, nil, http.StatusNoContent, nil)
}

// Sessions lists the archived sessions, newest first.
func (c *Client) Sessions(ctx context.Context) ([]tlstore.SessionInfo, error) {
	var res []tlstore.SessionInfo
	err := c.do(ctx, "GET", "/archive", nil, nil, http.StatusOK, &res)
	return res, err
}

// Export writes an archived session to w.
func (c *Client) Export(ctx context.Context, id string, w io.Writer) error {
	res, err := c.request(ctx, "GET", "/archive/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	defer drain(res)

	if err := checkResponse(res, http.StatusOK); err != nil {
		return err
	}

	if _, err := io.Copy(w, res.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}

	return nil
}

// Delete removes an archived session.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/archive/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil)
}

//
//
//

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	uri := joinPath(c.uri, path)
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, r)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	if body != nil {
		req.Header.Set("content-type", "application/json; charset=utf-8")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute HTTP request: %w", err)
	}

	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, code int, dst any) error {
	res, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer drain(res)

	if err := checkResponse(res, code); err != nil {
		return err
	}

	if dst == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// ResponseError is returned by the client for unexpected responses.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP response %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP response %d: %s", e.StatusCode, e.Message)
}

func checkResponse(res *http.Response, code int) error {
	if res.StatusCode == code {
		return nil
	}

	var er ErrorResponse
	json.NewDecoder(io.LimitReader(res.Body, maxRequestBodySizeBytes)).Decode(&er)
	return &ResponseError{StatusCode: res.StatusCode, Message: er.Error}
}

func drain(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
