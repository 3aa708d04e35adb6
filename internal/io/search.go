package io

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"docpump/internal/bulk"
	"docpump/internal/cursor"
	"docpump/internal/httpclient"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// deleteFanout bounds concurrent per-record DELETE calls.
const deleteFanout = 10

// SearchBackend speaks the search engine's REST shapes for one index. It
// implements cursor.ScrollClient, cursor.PITClient and cursor.OffsetFetcher.
type SearchBackend struct {
	client *httpclient.Client
	index  string
	// query is the optional search body; its "query" clause is reused for
	// every paging dialect.
	query map[string]interface{}
}

// ParseSearchLocator splits http(s)://[user:pass@]host[:port][/prefix]/index
// into the base URL and the index name. The index may be empty.
func ParseSearchLocator(locator string) (base, index string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", errors.Wrap(err, "parse search locator")
	}
	if u.Host == "" {
		return "", "", errors.Newf("search locator %q has no host", locator)
	}
	path := strings.Trim(u.Path, "/")
	if path != "" {
		if i := strings.LastIndex(path, "/"); i >= 0 {
			index = path[i+1:]
			path = path[:i]
		} else {
			index, path = path, ""
		}
	}
	u.Path = "/" + path
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimSuffix(u.String(), "/"), index, nil
}

// NewSearchBackend returns a backend for index reached through client.
// queryBody is an optional JSON search body.
func NewSearchBackend(client *httpclient.Client, index, queryBody string) (*SearchBackend, error) {
	b := &SearchBackend{client: client, index: index}
	if strings.TrimSpace(queryBody) != "" {
		if err := json.Unmarshal([]byte(queryBody), &b.query); err != nil {
			return nil, runerr.Validation(errors.Wrap(err, "search body must be a JSON object"), "check source.query")
		}
	}
	return b, nil
}

// Index returns the index the backend targets.
func (b *SearchBackend) Index() string { return b.index }

func (b *SearchBackend) indexPath(suffix string) string {
	if b.index == "" {
		return suffix
	}
	return "/" + url.PathEscape(b.index) + suffix
}

// searchBody merges the configured body with overrides.
func (b *SearchBackend) searchBody(overrides map[string]interface{}) map[string]interface{} {
	body := make(map[string]interface{}, len(b.query)+len(overrides))
	for k, v := range b.query {
		body[k] = v
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	PitID    string `json:"pit_id"`
	Shards   struct {
		Failed int `json:"failed"`
	} `json:"_shards"`
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []record.Record `json:"hits"`
	} `json:"hits"`
}

// total reads hits.total, which is a number in old versions and
// {"value": n} in new ones. -1 when absent.
func (r *searchResponse) total() int {
	raw := r.Hits.Total
	if len(raw) == 0 {
		return -1
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	return -1
}

func (b *SearchBackend) search(ctx context.Context, op, method, path string, query url.Values, body interface{}) (*searchResponse, error) {
	var resp searchResponse
	if err := b.client.DoJSON(ctx, method, path, query, body, &resp); err != nil {
		return nil, classifyRead(err, op)
	}
	return &resp, nil
}

// classifyRead tags a failed read, separating malformed bodies from
// transport and status failures.
func classifyRead(err error, op string) error {
	if httpclient.StatusCode(err) == 0 && strings.Contains(err.Error(), "decode") {
		return runerr.Parse(err, op, runerr.KindRead)
	}
	return runerr.Read(err, op)
}

// --- offset paging ---

func (b *SearchBackend) FetchOffset(ctx context.Context, limit, offset int) ([]record.Record, error) {
	resp, err := b.search(ctx, "offset search", http.MethodPost, b.indexPath("/_search"), nil,
		b.searchBody(map[string]interface{}{"size": limit, "from": offset}))
	if err != nil {
		return nil, err
	}
	return resp.Hits.Hits, nil
}

// --- scroll paging ---

func (b *SearchBackend) OpenScroll(ctx context.Context, limit int, keepAlive string) (cursor.ScrollPage, error) {
	resp, err := b.search(ctx, "scroll open", http.MethodPost, b.indexPath("/_search"),
		url.Values{"scroll": {keepAlive}}, b.searchBody(map[string]interface{}{"size": limit}))
	if err != nil {
		return cursor.ScrollPage{}, err
	}
	return scrollPage(resp), nil
}

func (b *SearchBackend) ContinueScroll(ctx context.Context, token, keepAlive string) (cursor.ScrollPage, error) {
	resp, err := b.search(ctx, "scroll continue", http.MethodPost, "/_search/scroll", nil,
		map[string]interface{}{"scroll": keepAlive, "scroll_id": token})
	if err != nil {
		return cursor.ScrollPage{}, err
	}
	return scrollPage(resp), nil
}

func (b *SearchBackend) ClearScroll(ctx context.Context, token string) error {
	err := b.client.DoJSON(ctx, http.MethodDelete, "/_search/scroll", nil,
		map[string]interface{}{"scroll_id": []string{token}}, nil)
	return errors.Wrap(err, "clear scroll")
}

func scrollPage(resp *searchResponse) cursor.ScrollPage {
	return cursor.ScrollPage{
		Token:          resp.ScrollID,
		Total:          resp.total(),
		Hits:           resp.Hits.Hits,
		PartialFailure: resp.Shards.Failed > 0,
	}
}

// --- search-after paging ---

func (b *SearchBackend) OpenPIT(ctx context.Context, keepAlive string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := b.client.DoJSON(ctx, http.MethodPost, b.indexPath("/_pit"), url.Values{"keep_alive": {keepAlive}}, nil, &resp)
	if err != nil {
		return "", classifyRead(err, "open pit")
	}
	return resp.ID, nil
}

func (b *SearchBackend) SearchAfter(ctx context.Context, req cursor.SearchAfterRequest) (cursor.SearchAfterPage, error) {
	overrides := map[string]interface{}{
		"size": req.Size,
		"sort": req.Sort,
		"pit":  map[string]interface{}{"id": req.PitID, "keep_alive": req.KeepAlive},
	}
	if len(req.SearchAfter) > 0 {
		overrides["search_after"] = req.SearchAfter
	}
	resp, err := b.search(ctx, "search after", http.MethodPost, "/_search", nil, b.searchBody(overrides))
	if err != nil {
		return cursor.SearchAfterPage{}, err
	}
	return cursor.SearchAfterPage{PitID: resp.PitID, Hits: resp.Hits.Hits}, nil
}

func (b *SearchBackend) ClosePIT(ctx context.Context, pitID string) error {
	err := b.client.DoJSON(ctx, http.MethodDelete, "/_pit", nil, map[string]interface{}{"id": pitID}, nil)
	return errors.Wrap(err, "close pit")
}

// --- writes ---

// Bulk posts an encoded bulk body and returns the raw response.
func (b *SearchBackend) Bulk(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := b.client.Do(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/_bulk",
		Headers: map[string]string{"Content-Type": bulk.ContentType},
		Body:    body,
	})
	if err != nil {
		return nil, runerr.Write(err, "bulk")
	}
	return resp.Body, nil
}

// Refresh makes recent writes visible to search.
func (b *SearchBackend) Refresh(ctx context.Context) error {
	if err := b.client.DoJSON(ctx, http.MethodPost, b.indexPath("/_refresh"), nil, nil, nil); err != nil {
		return runerr.Write(err, "refresh")
	}
	return nil
}

// DeleteRecords issues one DELETE per record, at most deleteFanout at a
// time, and returns the joined failures. Records missing on the server are
// not failures.
func (b *SearchBackend) DeleteRecords(ctx context.Context, recs []record.Record) error {
	var g errgroup.Group
	g.SetLimit(deleteFanout)
	errs := make([]error, len(recs))
	for i := range recs {
		r := recs[i]
		index := r.Index
		if index == "" {
			index = b.index
		}
		g.Go(func() error {
			path := "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(r.ID)
			var query url.Values
			if r.Routing != "" {
				query = url.Values{"routing": {r.Routing}}
			}
			err := b.client.DoJSON(ctx, http.MethodDelete, path, query, nil, nil)
			if err != nil && httpclient.StatusCode(err) != http.StatusNotFound {
				errs[i] = errors.Wrapf(err, "delete %s/%s", index, r.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logging.Logf(logging.Debug, "Deleted %d record(s) from source", len(recs))
	return nil
}

// --- metadata kinds ---

// metaEndpoint maps a record kind to its REST suffix.
func metaEndpoint(kind string) string {
	switch kind {
	case "mapping":
		return "/_mapping"
	case "settings":
		return "/_settings"
	case "alias":
		return "/_alias"
	}
	return ""
}

// GetMeta reads the mapping, settings or aliases of the index as one record.
func (b *SearchBackend) GetMeta(ctx context.Context, kind string) (record.Record, error) {
	var body map[string]interface{}
	if err := b.client.DoJSON(ctx, http.MethodGet, b.indexPath(metaEndpoint(kind)), nil, nil, &body); err != nil {
		return record.Record{}, classifyRead(err, "get "+kind)
	}
	return record.Record{Index: b.index, ID: kind, Source: body}, nil
}

// PutMeta applies a metadata record read by GetMeta to the target index.
// The record payload is keyed by source index name; every entry is applied.
func (b *SearchBackend) PutMeta(ctx context.Context, kind string, r record.Record) error {
	target := b.index
	if target == "" {
		target = r.Index
	}
	if target == "" {
		return runerr.Writef("put "+kind, "no destination index for %s", kind)
	}
	for srcIndex, entry := range r.Source {
		def, _ := entry.(map[string]interface{})
		if def == nil {
			continue
		}
		var err error
		switch kind {
		case "mapping":
			err = b.putMapping(ctx, target, def["mappings"])
		case "settings":
			err = b.putSettings(ctx, target, def["settings"])
		case "alias":
			err = b.putAliases(ctx, target, def["aliases"])
		}
		if err != nil {
			return runerr.Write(errors.Wrapf(err, "apply %s of %s to %s", kind, srcIndex, target), "put "+kind)
		}
		logging.Logf(logging.Info, "Applied %s of '%s' to '%s'", kind, srcIndex, target)
	}
	return nil
}

// putMapping updates the mapping, creating the index when it is missing.
func (b *SearchBackend) putMapping(ctx context.Context, index string, mappings interface{}) error {
	if mappings == nil {
		return nil
	}
	path := "/" + url.PathEscape(index)
	err := b.client.DoJSON(ctx, http.MethodPut, path+"/_mapping", nil, mappings, nil)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return b.client.DoJSON(ctx, http.MethodPut, path, nil, map[string]interface{}{"mappings": mappings}, nil)
	}
	return err
}

// putSettings creates the index with the given settings. Server-managed
// entries are removed first since they cannot be set by clients.
func (b *SearchBackend) putSettings(ctx context.Context, index string, settings interface{}) error {
	s, _ := settings.(map[string]interface{})
	if s == nil {
		return nil
	}
	if idx, ok := s["index"].(map[string]interface{}); ok {
		clean := make(map[string]interface{}, len(idx))
		for k, v := range idx {
			switch k {
			case "uuid", "creation_date", "provided_name", "version", "routing":
				continue
			}
			clean[k] = v
		}
		s = map[string]interface{}{"index": clean}
	}
	return b.client.DoJSON(ctx, http.MethodPut, "/"+url.PathEscape(index), nil, map[string]interface{}{"settings": s}, nil)
}

func (b *SearchBackend) putAliases(ctx context.Context, index string, aliases interface{}) error {
	a, _ := aliases.(map[string]interface{})
	if len(a) == 0 {
		return nil
	}
	actions := make([]interface{}, 0, len(a))
	for _, name := range record.SortedKeys(a) {
		add := map[string]interface{}{"index": index, "alias": name}
		if opts, ok := a[name].(map[string]interface{}); ok {
			for k, v := range opts {
				add[k] = v
			}
		}
		actions = append(actions, map[string]interface{}{"add": add})
	}
	return b.client.DoJSON(ctx, http.MethodPost, "/_aliases", nil, map[string]interface{}{"actions": actions}, nil)
}
