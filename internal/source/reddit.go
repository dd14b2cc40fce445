package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"go.uber.org/zap"
)

const (
	// PublicBaseURL serves unauthenticated JSON listings.
	PublicBaseURL = "https://www.reddit.com"
	// OAuthBaseURL serves listings for bearer-token requests.
	OAuthBaseURL = "https://oauth.reddit.com"
	// TokenURL issues script-app access tokens.
	TokenURL = "https://www.reddit.com/api/v1/access_token"
	// PageSize is the largest page the listing endpoint returns.
	PageSize = 100
	// ShortLinkBase prefixes the external URL of every submission.
	ShortLinkBase = "https://redd.it/"
)

// Credentials authenticate a Reddit script application. The zero value
// means anonymous access.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	TokenURL     string
}

func (c Credentials) configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string     `json:"kind"`
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    *string `json:"selftext"`
	Author      *string `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Permalink   string  `json:"permalink"`
}

// RedditClient reads the JSON listing of /r/<community>/new.
type RedditClient struct {
	t       *transport
	baseURL string
	creds   Credentials

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// Ensure RedditClient implements Client.
var _ Client = (*RedditClient)(nil)

// NewRedditClient creates a listing client. With credentials it reads from
// the OAuth host unless opts.BaseURL says otherwise.
func NewRedditClient(opts Options, creds Credentials, logger *zap.Logger) *RedditClient {
	base := PublicBaseURL
	if creds.configured() {
		base = OAuthBaseURL
		if creds.TokenURL == "" {
			creds.TokenURL = TokenURL
		}
	}
	opts = opts.withDefaults(base)
	return &RedditClient{
		t:       newTransport("reddit", opts, logger.Named("reddit")),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		creds:   creds,
	}
}

// FetchNew pages through the newest submissions until limit items are
// collected or the listing ends.
func (c *RedditClient) FetchNew(ctx context.Context, community string, limit int) ([]model.RawItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var authorize func(*http.Request) error
	if c.creds.configured() {
		authorize = c.authorize
	}

	items := make([]model.RawItem, 0, limit)
	after := ""
	for len(items) < limit {
		page := limit - len(items)
		if page > PageSize {
			page = PageSize
		}
		q := url.Values{}
		q.Set("limit", strconv.Itoa(page))
		q.Set("raw_json", "1")
		if after != "" {
			q.Set("after", after)
		}
		u := fmt.Sprintf("%s/r/%s/new.json?%s", c.baseURL, url.PathEscape(community), q.Encode())

		body, err := c.t.get(ctx, community, u, authorize)
		if err != nil {
			return nil, err
		}
		var l listing
		if err := json.Unmarshal(body, &l); err != nil {
			return nil, c.t.fail(community, model.ErrSourceProtocol, fmt.Errorf("decode listing: %w", err))
		}
		if l.Kind != "Listing" {
			return nil, c.t.fail(community, model.ErrSourceProtocol, fmt.Errorf("unexpected kind %q", l.Kind))
		}
		for _, child := range l.Data.Children {
			if child.Kind != "t3" {
				continue
			}
			items = append(items, child.Data.toRaw())
			if len(items) == limit {
				break
			}
		}
		if l.Data.After == "" || len(l.Data.Children) == 0 {
			break
		}
		after = l.Data.After
	}
	return items, nil
}

func (p redditPost) toRaw() model.RawItem {
	return model.RawItem{
		ExternalURL:  ShortLinkBase + p.ID,
		Title:        p.Title,
		Body:         p.Selftext,
		Author:       p.Author,
		Score:        p.Score,
		CommentCount: p.NumComments,
		CreatedUTC:   p.CreatedUTC,
	}
}

// authorize attaches a bearer token, fetching a new one when the cached
// token is missing or about to expire.
func (c *RedditClient) authorize(req *http.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExp) {
		if err := c.refreshToken(req.Context()); err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
	}
	req.Header.Set("Authorization", "bearer "+c.token)
	return nil
}

func (c *RedditClient) refreshToken(ctx context.Context) error {
	form := url.Values{}
	if c.creds.Username != "" {
		form.Set("grant_type", "password")
		form.Set("username", c.creds.Username)
		form.Set("password", c.creds.Password)
	} else {
		form.Set("grant_type", "client_credentials")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.t.userAgent)

	resp, err := c.t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no token: %s", tok.Error)
	}
	c.token = tok.AccessToken
	// Renew a minute early.
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return nil
}
