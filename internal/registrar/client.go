// Package registrar talks to the external DOI registrar over its MDS-style
// HTTP API. The client is stateless apart from its http.Client, which is safe
// for concurrent use, so one Client can be shared by every goroutine.
package registrar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

const (
	maxMetadataBytes = 4 << 20
	maxErrorBytes    = 4 << 10
)

// Client calls the registrar. Every request is bounded by the http.Client
// timeout in addition to the caller's context.
type Client struct {
	base     *url.URL
	user     string
	password string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New builds a client for the registrar rooted at baseURL.
func New(baseURL, user, password string, timeout time.Duration, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registrar url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("registrar url %q must be absolute", baseURL)
	}
	c := &Client{
		base:     base,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exists reports whether the registrar holds active metadata for d.
func (c *Client) Exists(ctx context.Context, d doi.DOI) (bool, error) {
	resp, err := c.do(ctx, "exists", d, http.MethodGet, "metadata", "", "")
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	}
	return false, c.statusErr("exists", d, resp)
}

// Resolve returns the registrar's view of d. A DOI the registrar has never
// seen resolves to StatusNew.
func (c *Client) Resolve(ctx context.Context, d doi.DOI) (doi.Data, error) {
	resp, err := c.do(ctx, "resolve", d, http.MethodGet, "doi", "", "")
	if err != nil {
		return doi.Data{}, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		if err != nil {
			return doi.Data{}, &Error{Op: "resolve", DOI: d.String(), Kind: KindUnavailable, Underlying: err}
		}
		return doi.Data{Status: doi.StatusRegistered, Target: strings.TrimSpace(string(body))}, nil
	case http.StatusNoContent:
		return doi.Data{Status: doi.StatusReserved}, nil
	case http.StatusNotFound:
		return doi.Data{Status: doi.StatusNew}, nil
	case http.StatusGone:
		return doi.Data{Status: doi.StatusDeleted}, nil
	}
	return doi.Data{}, c.statusErr("resolve", d, resp)
}

// Register uploads metadata and then points the DOI at target, making it
// publicly resolvable.
func (c *Client) Register(ctx context.Context, d doi.DOI, target, metadataXML string) error {
	if err := c.putMetadata(ctx, "register", d, metadataXML); err != nil {
		return err
	}
	return c.putTarget(ctx, "register", d, target)
}

// Reserve uploads metadata without a target.
func (c *Client) Reserve(ctx context.Context, d doi.DOI, metadataXML string) error {
	return c.putMetadata(ctx, "reserve", d, metadataXML)
}

// UpdateMetadata replaces the metadata of an existing DOI.
func (c *Client) UpdateMetadata(ctx context.Context, d doi.DOI, metadataXML string) error {
	return c.putMetadata(ctx, "update metadata", d, metadataXML)
}

// UpdateTarget repoints an existing DOI.
func (c *Client) UpdateTarget(ctx context.Context, d doi.DOI, target string) error {
	return c.putTarget(ctx, "update target", d, target)
}

// Delete deactivates the DOI's metadata at the registrar.
func (c *Client) Delete(ctx context.Context, d doi.DOI) error {
	resp, err := c.do(ctx, "delete", d, http.MethodDelete, "metadata", "", "")
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return c.statusErr("delete", d, resp)
	}
	return nil
}

// GetMetadata returns the registrar's current metadata document.
func (c *Client) GetMetadata(ctx context.Context, d doi.DOI) (string, error) {
	resp, err := c.do(ctx, "get metadata", d, http.MethodGet, "metadata", "", "")
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return "", c.statusErr("get metadata", d, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return "", &Error{Op: "get metadata", DOI: d.String(), Kind: KindUnavailable, Underlying: err}
	}
	return string(body), nil
}

func (c *Client) putMetadata(ctx context.Context, op string, d doi.DOI, metadataXML string) error {
	resp, err := c.do(ctx, op, d, http.MethodPut, "metadata", "application/xml;charset=UTF-8", metadataXML)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return c.statusErr(op, d, resp)
	}
	return nil
}

func (c *Client) putTarget(ctx context.Context, op string, d doi.DOI, target string) error {
	body := fmt.Sprintf("doi=%s\nurl=%s", d, target)
	resp, err := c.do(ctx, op, d, http.MethodPut, "doi", "text/plain;charset=UTF-8", body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return c.statusErr(op, d, resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op string, d doi.DOI, method, resource, contentType, body string) (*http.Response, error) {
	u := c.base.JoinPath(resource, d.Prefix(), d.Suffix())
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, &Error{Op: op, DOI: d.String(), Kind: KindUnknown, Underlying: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, DOI: d.String(), Kind: KindUnavailable, Underlying: err}
	}
	return resp, nil
}

func (c *Client) statusErr(op string, d doi.DOI, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	return &Error{
		Op:         op,
		DOI:        d.String(),
		StatusCode: resp.StatusCode,
		Kind:       kindForStatus(resp.StatusCode),
		Body:       strings.TrimSpace(string(body)),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))
	resp.Body.Close()
}
