package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// SourceTimeline names the social-news source for rate budgeting and metrics.
const SourceTimeline = "timeline"

// listingPageSize is the upstream maximum page size for timeline listings.
const listingPageSize = 100

// PostData is a timeline post as the listing API returns it.
type PostData struct {
	ID                string  `json:"id"`
	Created           float64 `json:"created_utc"`
	Subreddit         string  `json:"subreddit"`
	Title             string  `json:"title"`
	Selftext          string  `json:"selftext"`
	URL               string  `json:"url"`
	Permalink         string  `json:"permalink"`
	Domain            string  `json:"domain"`
	Author            string  `json:"author"`
	Score             int     `json:"score"`
	NumComments       int     `json:"num_comments"`
	UpvoteRatio       float64 `json:"upvote_ratio"`
	RemovedByCategory *string `json:"removed_by_category"`
	IsSelf            bool    `json:"is_self"`
	IsVideo           bool    `json:"is_video"`
	Over18            bool    `json:"over_18"`
	Spoiler           bool    `json:"spoiler"`
	Stickied          bool    `json:"stickied"`
}

// Thing is one node of the comment forest: kind "t1" is a comment, kind
// "more" is a placeholder standing in for omitted children.
type Thing struct {
	Kind string      `json:"kind"`
	Data CommentData `json:"data"`
}

// CommentData carries the union of comment and placeholder fields.
type CommentData struct {
	ID               string  `json:"id"`
	ParentID         string  `json:"parent_id"`
	Author           string  `json:"author"`
	Body             string  `json:"body"`
	CreatedUTC       float64 `json:"created_utc"`
	Score            int     `json:"score"`
	Ups              int     `json:"ups"`
	Edited           edited  `json:"edited"`
	Depth            int     `json:"depth"`
	Distinguished    string  `json:"distinguished"`
	Controversiality int     `json:"controversiality"`

	// Children is only set on "more" placeholders.
	Children []string `json:"children"`
}

// edited decodes the source's edited field, which is false or an edit
// timestamp.
type edited bool

func (e *edited) UnmarshalJSON(data []byte) error {
	*e = edited(!strings.HasPrefix(string(data), "false"))
	return nil
}

type listing struct {
	Data struct {
		Children []json.RawMessage `json:"children"`
		After    string            `json:"after"`
	} `json:"data"`
}

// TokenSource caches a bearer token obtained via the client-credentials
// exchange, refreshing it synchronously when absent or expired.
type TokenSource struct {
	mu         sync.Mutex
	httpClient *http.Client
	authURL    string
	clientID   string
	secret     string
	userAgent  string
	now        func() time.Time

	token  string
	expiry time.Time
}

// NewTokenSource builds a TokenSource.
func NewTokenSource(httpClient *http.Client, authURL, clientID, secret, userAgent string) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		httpClient: httpClient,
		authURL:    authURL,
		clientID:   clientID,
		secret:     secret,
		userAgent:  userAgent,
		now:        time.Now,
	}
}

// Token returns a valid bearer token, performing the blocking credential
// exchange when the cached one is missing or within a minute of expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Add(time.Minute).Before(t.expiry) {
		return t.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(t.clientID, t.secret)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w: %s", harvest.ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange status %d: %w", resp.StatusCode, harvest.ErrUnavailable)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.AccessToken == "" {
		return "", fmt.Errorf("token exchange response: %w", harvest.ErrMalformed)
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	t.token = payload.AccessToken
	t.expiry = t.now().Add(time.Duration(expiresIn) * time.Second)
	return t.token, nil
}

// TimelineClient talks to the authenticated social-news API.
type TimelineClient struct {
	client    *Client
	baseURL   string
	tokens    *TokenSource
	userAgent string
}

// NewTimelineClient builds a TimelineClient.
func NewTimelineClient(client *Client, baseURL string, tokens *TokenSource, userAgent string) *TimelineClient {
	return &TimelineClient{
		client:    client,
		baseURL:   baseURL,
		tokens:    tokens,
		userAgent: userAgent,
	}
}

func (t *TimelineClient) headers(ctx context.Context) (http.Header, error) {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "bearer "+token)
	h.Set("User-Agent", t.userAgent)
	return h, nil
}

// NewPosts fetches every post reachable from the community's "new" listing,
// walking the continuation cursor until it runs out or a page comes back
// empty. Posts older than oldest (unix seconds) stop the walk early, since
// the listing is newest-first.
func (t *TimelineClient) NewPosts(ctx context.Context, subreddit string, oldest int64) ([]PostData, error) {
	var posts []PostData
	after := ""

	for {
		h, err := t.headers(ctx)
		if err != nil {
			return posts, err
		}

		query := url.Values{
			"limit":    {fmt.Sprint(listingPageSize)},
			"raw_json": {"1"},
		}
		if after != "" {
			query.Set("after", after)
		}

		var page listing
		endpoint := fmt.Sprintf("%s/r/%s/new", t.baseURL, subreddit)
		if err := t.client.getJSON(ctx, SourceTimeline, endpoint, query, h, &page); err != nil {
			return posts, fmt.Errorf("listing r/%s: %w", subreddit, err)
		}
		if len(page.Data.Children) == 0 {
			return posts, nil
		}

		pastOldest := false
		for _, raw := range page.Data.Children {
			var child struct {
				Data PostData `json:"data"`
			}
			if err := json.Unmarshal(raw, &child); err != nil {
				continue
			}
			posts = append(posts, child.Data)
			if oldest > 0 && int64(child.Data.Created) < oldest {
				pastOldest = true
			}
		}

		if pastOldest || page.Data.After == "" {
			return posts, nil
		}
		after = page.Data.After
	}
}

// PostByID fetches a single post by its short id.
func (t *TimelineClient) PostByID(ctx context.Context, id string) (PostData, error) {
	h, err := t.headers(ctx)
	if err != nil {
		return PostData{}, err
	}

	var page listing
	endpoint := fmt.Sprintf("%s/by_id/t3_%s", t.baseURL, id)
	if err := t.client.getJSON(ctx, SourceTimeline, endpoint, url.Values{"raw_json": {"1"}}, h, &page); err != nil {
		return PostData{}, fmt.Errorf("post %s: %w", id, err)
	}
	if len(page.Data.Children) == 0 {
		return PostData{}, fmt.Errorf("post %s: %w", id, harvest.ErrNotFound)
	}

	var child struct {
		Data PostData `json:"data"`
	}
	if err := json.Unmarshal(page.Data.Children[0], &child); err != nil {
		return PostData{}, fmt.Errorf("post %s: %w", id, harvest.ErrMalformed)
	}
	return child.Data, nil
}

// Comments fetches the shallow comment forest for a post. The response is a
// two-element array: the post listing and the comment listing; only the
// latter is returned, "more" placeholders included.
func (t *TimelineClient) Comments(ctx context.Context, postID string) ([]Thing, error) {
	h, err := t.headers(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"limit":    {"500"},
		"raw_json": {"1"},
		"depth":    {"10"},
		"sort":     {"confidence"},
	}

	var envelope []listing
	endpoint := fmt.Sprintf("%s/comments/%s", t.baseURL, postID)
	if err := t.client.getJSON(ctx, SourceTimeline, endpoint, query, h, &envelope); err != nil {
		return nil, fmt.Errorf("comments %s: %w", postID, err)
	}
	if len(envelope) < 2 {
		return nil, fmt.Errorf("comments %s: %w", postID, harvest.ErrMalformed)
	}

	return decodeThings(envelope[1].Data.Children), nil
}

// MoreChildren resolves one batch of placeholder ids (at most 100 per call).
func (t *TimelineClient) MoreChildren(ctx context.Context, linkID string, ids []string) ([]Thing, error) {
	h, err := t.headers(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"link_id":  {"t3_" + linkID},
		"children": {strings.Join(ids, ",")},
		"api_type": {"json"},
		"sort":     {"confidence"},
	}

	var resp struct {
		JSON struct {
			Data struct {
				Things []json.RawMessage `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	endpoint := t.baseURL + "/api/morechildren"
	if err := t.client.postFormJSON(ctx, SourceTimeline, endpoint, form, h, &resp); err != nil {
		return nil, fmt.Errorf("morechildren %s: %w", linkID, err)
	}

	return decodeThings(resp.JSON.Data.Things), nil
}

// decodeThings tolerates individually malformed nodes: a bad node is skipped
// rather than failing the batch.
func decodeThings(raw []json.RawMessage) []Thing {
	things := make([]Thing, 0, len(raw))
	for _, r := range raw {
		var t Thing
		if err := json.Unmarshal(r, &t); err != nil {
			continue
		}
		things = append(things, t)
	}
	return things
}
