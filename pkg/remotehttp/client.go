// Package remotehttp is a reference HTTP-backed implementation of the
// remote.Table / remote.TableFactory contracts. The transport is an
// external concern to the sync core, but a concrete client is still
// useful to exercise the contract end to end.
package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/ssgelm/cookiejarparser"

	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/value"
)

// queryParams mirrors remote.Query's OData-like shape for go-querystring
// encoding. Zero-valued fields are omitted so an unset Skip/Top doesn't
// turn into "$skip=0" on the wire.
type queryParams struct {
	Filter            string `url:"$filter,omitempty"`
	OrderBy           string `url:"$orderby,omitempty"`
	Skip              int    `url:"$skip,omitempty"`
	Top               int    `url:"$top,omitempty"`
	IncludeTotalCount bool   `url:"$inlinecount,omitempty"`
	IncludeDeleted    bool   `url:"__includeDeleted,omitempty"`
}

func encodeQuery(q remote.Query) (url.Values, error) {
	p := queryParams{
		Filter:            q.Filter,
		Skip:              q.Skip,
		Top:               q.Top,
		IncludeTotalCount: q.IncludeTotalCount,
		IncludeDeleted:    q.IncludeDeleted,
	}
	if len(q.OrderBy) > 0 {
		p.OrderBy = strings.Join(q.OrderBy, ",")
	}
	values, err := query.Values(p)
	if err != nil {
		return nil, fmt.Errorf("remotehttp: encoding query for %s: %w", q.TableName, err)
	}
	for k, v := range q.RawParams {
		values.Set(k, v)
	}
	return values, nil
}

// ClientOptions configures a new Client.
type ClientOptions struct {
	BaseURL string
	HTTP    *http.Client

	// CookieJarFile, if set, is a Netscape-format cookie file loaded at
	// startup via cookiejarparser so a session established in a previous
	// process (outside this module's scope: authentication is an
	// external concern) survives a restart.
	CookieJarFile string
}

// Client is a remote.TableFactory backed by one base URL, one *http.Client,
// and (optionally) a persisted cookie jar.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. If opts.CookieJarFile is set and parses
// successfully, its cookies seed opts.HTTP's jar (a fresh jar is created
// if opts.HTTP has none); a missing or malformed file is not fatal, since
// the first request will simply start an unauthenticated session subject
// to whatever the external auth flow does next.
func NewClient(opts ClientOptions) (*Client, error) {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.CookieJarFile != "" {
		jar, err := cookiejarparser.LoadCookieJarFile(opts.CookieJarFile)
		if err != nil {
			if httpClient.Jar == nil {
				httpClient.Jar, _ = cookiejar.New(nil)
			}
		} else {
			httpClient.Jar = jar
		}
	} else if httpClient.Jar == nil {
		httpClient.Jar, _ = cookiejar.New(nil)
	}
	return &Client{baseURL: strings.TrimRight(opts.BaseURL, "/"), http: httpClient}, nil
}

// Table resolves a Table handle for tableName; the HTTP client needs no
// further per-table setup, so this never fails.
func (c *Client) Table(tableName string) (remote.Table, error) {
	return &httpTable{client: c, tableName: tableName}, nil
}

type httpTable struct {
	client    *Client
	tableName string
}

func (t *httpTable) url(suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("%s/tables/%s", t.client.baseURL, t.tableName)
	}
	return fmt.Sprintf("%s/tables/%s/%s", t.client.baseURL, t.tableName, suffix)
}

func (t *httpTable) Read(ctx context.Context, q remote.Query) (remote.ReadResponse, error) {
	endpoint := t.url("")
	if q.NextLink != "" {
		endpoint = q.NextLink
	} else {
		values, err := encodeQuery(q)
		if err != nil {
			return remote.ReadResponse{}, err
		}
		if enc := values.Encode(); enc != "" {
			endpoint += "?" + enc
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return remote.ReadResponse{}, &remote.NetworkError{Cause: err}
	}
	resp, body, err := t.do(req)
	if err != nil {
		return remote.ReadResponse{}, err
	}
	if resp.StatusCode >= 300 {
		return remote.ReadResponse{}, classifyStatus(resp.StatusCode, body)
	}

	var payload struct {
		Results    []map[string]interface{} `json:"results"`
		Count      *int                     `json:"count"`
		NextLink   string                   `json:"-"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return remote.ReadResponse{}, &remote.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	items := make([]value.Item, len(payload.Results))
	for i, m := range payload.Results {
		items[i] = value.FromInterface(m)
	}
	return remote.ReadResponse{
		Values:     items,
		TotalCount: payload.Count,
		NextLink:   parseNextLink(resp.Header.Get("Link")),
	}, nil
}

func (t *httpTable) Insert(ctx context.Context, item value.Item) (value.Item, error) {
	return t.write(ctx, http.MethodPost, t.url(""), item, "")
}

func (t *httpTable) Update(ctx context.Context, item value.Item, ifMatch string) (value.Item, error) {
	id, _ := item.ID()
	return t.write(ctx, http.MethodPatch, t.url(id), item, ifMatch)
}

func (t *httpTable) Delete(ctx context.Context, id string, ifMatch string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url(id), nil)
	if err != nil {
		return &remote.NetworkError{Cause: err}
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", strconv.Quote(ifMatch))
	}
	resp, body, err := t.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil // the row is already gone; a delete got what it wanted
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, body)
	}
	return nil
}

func (t *httpTable) Lookup(ctx context.Context, id string) (value.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(id), nil)
	if err != nil {
		return nil, &remote.NetworkError{Cause: err}
	}
	resp, body, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return decodeItem(body)
}

func (t *httpTable) write(ctx context.Context, method, endpoint string, item value.Item, ifMatch string) (value.Item, error) {
	payload, err := json.Marshal(value.Object(value.StripSystemFields(item)).Interface())
	if err != nil {
		return nil, fmt.Errorf("remotehttp: encoding %s: %w", t.tableName, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &remote.NetworkError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", strconv.Quote(ifMatch))
	}
	resp, body, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return decodeItem(body)
}

func (t *httpTable) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := t.client.http.Do(req)
	if err != nil {
		return nil, nil, &remote.NetworkError{Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, &remote.NetworkError{Cause: err}
	}
	return resp, body, nil
}

func decodeItem(body []byte) (value.Item, error) {
	var m map[string]interface{}
	if len(body) == 0 {
		return value.Item{}, nil
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &remote.HTTPError{StatusCode: 0, Body: string(body)}
	}
	return value.FromInterface(m), nil
}

func classifyStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &remote.AuthenticationError{Cause: fmt.Errorf("http %d", status)}
	default:
		return &remote.HTTPError{StatusCode: status, Body: string(body)}
	}
}

// parseNextLink extracts the rel="next" URL from an RFC 5988 Link header,
// the next-page signal the pull engine follows
// before falling back to cursor-driven paging.
func parseNextLink(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		link := strings.TrimSpace(segments[0])
		link = strings.TrimPrefix(link, "<")
		link = strings.TrimSuffix(link, ">")
		for _, seg := range segments[1:] {
			seg = strings.TrimSpace(seg)
			if seg == `rel="next"` || seg == "rel=next" {
				return link
			}
		}
	}
	return ""
}
