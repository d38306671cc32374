package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// SourceBoard names the image-board source for rate budgeting and metrics.
const SourceBoard = "board"

// CatalogThread is one compact thread summary from a board catalog page.
// The upstream encodes the flag fields as 0/1 integers.
type CatalogThread struct {
	No           int64 `json:"no"`
	LastModified int64 `json:"last_modified"`
	Replies      int   `json:"replies"`
	Images       int   `json:"images"`
	Sticky       int   `json:"sticky"`
	Closed       int   `json:"closed"`
	Archived     int   `json:"archived"`
}

type catalogPage struct {
	Page    int             `json:"page"`
	Threads []CatalogThread `json:"threads"`
}

// RawPost is a board post as the thread endpoint returns it.
type RawPost struct {
	No          int64  `json:"no"`
	Resto       int64  `json:"resto"`
	Time        int64  `json:"time"`
	Name        string `json:"name"`
	Sub         string `json:"sub"`
	Com         string `json:"com"`
	Filename    string `json:"filename"`
	Ext         string `json:"ext"`
	Tim         int64  `json:"tim"`
	MD5         string `json:"md5"`
	Fsize       int64  `json:"fsize"`
	Capcode     string `json:"capcode"`
	Sticky      int    `json:"sticky"`
	Closed      int    `json:"closed"`
	Replies     int    `json:"replies"`
	Images      int    `json:"images"`
	UniqueIPs   int    `json:"unique_ips"`
	SemanticURL string `json:"semantic_url"`
}

type threadResponse struct {
	Posts []RawPost `json:"posts"`
}

// BoardClient talks to the image-board read API. No authentication; the
// public rate guidance is enforced by the shared Client.
type BoardClient struct {
	client       *Client
	baseURL      string
	mediaBaseURL string
}

// NewBoardClient builds a BoardClient rooted at baseURL (catalog/thread
// JSON) and mediaBaseURL (raw files).
func NewBoardClient(client *Client, baseURL, mediaBaseURL string) *BoardClient {
	return &BoardClient{
		client:       client,
		baseURL:      baseURL,
		mediaBaseURL: mediaBaseURL,
	}
}

// Catalog fetches the compact thread listing for one board, flattened across
// catalog pages.
func (b *BoardClient) Catalog(ctx context.Context, board string) ([]CatalogThread, error) {
	var pages []catalogPage
	url := fmt.Sprintf("%s/%s/catalog.json", b.baseURL, board)
	if err := b.client.getJSON(ctx, SourceBoard, url, nil, nil, &pages); err != nil {
		return nil, fmt.Errorf("catalog /%s/: %w", board, err)
	}

	var threads []CatalogThread
	for _, page := range pages {
		threads = append(threads, page.Threads...)
	}
	return threads, nil
}

// Thread fetches the full post list of one thread. A pruned thread surfaces
// as harvest.ErrNotFound.
func (b *BoardClient) Thread(ctx context.Context, board string, threadID int64) ([]RawPost, error) {
	var resp threadResponse
	url := fmt.Sprintf("%s/%s/thread/%d.json", b.baseURL, board, threadID)
	if err := b.client.getJSON(ctx, SourceBoard, url, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("thread /%s/%d: %w", board, threadID, err)
	}
	return resp.Posts, nil
}

// Media downloads one attachment. Media fetches share the board source's
// rate budget but skip the JSON retry machinery: a miss is not worth three
// attempts when the catalog will bring the thread around again.
func (b *BoardClient) Media(ctx context.Context, board, filename string) ([]byte, error) {
	if b.client.limiter != nil {
		if err := b.client.limiter.Wait(ctx, SourceBoard); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf("%s/%s/%s", b.mediaBaseURL, board, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}

	resp, err := b.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", filename, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media %s: status %d", filename, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("media %s: read: %w", filename, err)
	}
	return data, nil
}

// maxMediaBytes caps a single attachment download.
const maxMediaBytes = 8 << 20
