// Package instagram acquires videos from Instagram posts and reels. Instagram throttles and bans by address, so every
// acquisition runs on its own proxy route and all calls are paced.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/proxy"
	"github.com/bsaverbot/saver/ratelimit"
	"github.com/bsaverbot/saver/util"
)

const Name = "instagram"

var Claims = []string{"instagram"}

const (
	DefaultBaseURL = "https://www.instagram.com"
	DefaultTimeout = 30 * time.Second
	appID          = "936619743392459"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Media types of a post item.
const (
	mediaImage    = 1
	mediaVideo    = 2
	mediaCarousel = 8
)

// ClientFactory builds the HTTP client used for the duration of one route lease.
type ClientFactory func(route proxy.Route) (*http.Client, error)

type Config struct {
	Pool          *proxy.Pool
	Limiter       *ratelimit.Limiter
	BaseURL       string
	Timeout       time.Duration
	ClientFactory ClientFactory

	// Shared by every backend built from this config.
	throttle *rate.Limiter
}

func NewConfig(pool *proxy.Pool, limiter *ratelimit.Limiter) Config {
	c := Config{
		Pool:    pool,
		Limiter: limiter,
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
	c.ClientFactory = func(route proxy.Route) (*http.Client, error) {
		return route.HTTPClient(c.Timeout)
	}
	return c
}

func (c Config) Descriptor() saver.Descriptor {
	if c.throttle == nil {
		c.throttle = newThrottle(c.Limiter)
	}
	return saver.Descriptor{
		Name:   Name,
		Claims: Claims,
		New: func(env saver.BackendEnv) (saver.Backend, error) {
			if c.Pool == nil || c.Limiter == nil {
				return nil, fmt.Errorf("instagram backend needs a proxy pool and a rate limiter")
			}
			return &backend{config: c, env: env}, nil
		},
	}
}

// newThrottle spreads limiter.PerWindow() calls evenly over the window, allowing bursts of up to that many.
func newThrottle(limiter *ratelimit.Limiter) *rate.Limiter {
	if limiter == nil || limiter.PerWindow() <= 0 || limiter.Window() <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	every := limiter.Window() / time.Duration(limiter.PerWindow())
	return rate.NewLimiter(rate.Every(every), limiter.PerWindow())
}

type backend struct {
	config Config
	env    saver.BackendEnv
	// Only set inside Scope.
	client *http.Client
	route  proxy.Route
}

func (b *backend) Name() string {
	return Name
}

// Scope leases a proxy route for the duration of f.
func (b *backend) Scope(ctx context.Context, f func(ctx context.Context) error) error {
	return b.config.Pool.WithRoute(ctx, func(ctx context.Context, route proxy.Route) error {
		client, err := b.config.ClientFactory(route)
		if err != nil {
			return err
		}
		b.client, b.route = client, route
		defer func() {
			b.client, b.route = nil, proxy.Route{}
		}()
		saver.Logger(ctx).Sugar().Named(Name).Debugw("using route", "route", route.ID, "link", b.env.Link)
		return f(ctx)
	})
}

type post struct {
	shortcode string
	videoURL  string
	title     string
	author    string
	duration  time.Duration
	width     int
	height    int
}

func (p *post) String() string {
	return fmt.Sprintf("instagram post %s", p.shortcode)
}

type postInfo struct {
	Items []postItem `json:"items"`
}

type postItem struct {
	Code          string         `json:"code"`
	MediaType     int            `json:"media_type"`
	VideoVersions []videoVersion `json:"video_versions"`
	VideoDuration float64        `json:"video_duration"`
	CarouselMedia []postItem     `json:"carousel_media"`
	Caption       *struct {
		Text string `json:"text"`
	} `json:"caption"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

type videoVersion struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (b *backend) Locate(ctx context.Context) (saver.RemoteObject, error) {
	client, err := b.httpClient()
	if err != nil {
		return nil, err
	}
	shortcode, err := extractShortcode(b.env.Link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saver.ErrObjectNotFound, err)
	}
	if err := b.pace(ctx); err != nil {
		return nil, err
	}

	infoURL := fmt.Sprintf("%s/p/%s/?__a=1&__d=dis", b.config.BaseURL, url.PathEscape(shortcode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-IG-App-ID", appID)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get post info via %v: %w", b.route.ID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: post %v", saver.ErrObjectNotFound, shortcode)
	case resp.StatusCode != http.StatusOK:
		return nil, &saver.StatusError{URL: infoURL, StatusCode: resp.StatusCode}
	}
	var info postInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode post info: %w", err)
	}
	if len(info.Items) == 0 {
		return nil, fmt.Errorf("%w: post %v", saver.ErrObjectNotFound, shortcode)
	}
	return newPost(shortcode, &info.Items[0])
}

func newPost(shortcode string, item *postItem) (*post, error) {
	media := item
	switch item.MediaType {
	case mediaVideo:
	case mediaCarousel:
		media = nil
		for i := range item.CarouselMedia {
			if item.CarouselMedia[i].MediaType == mediaVideo {
				media = &item.CarouselMedia[i]
				break
			}
		}
		if media == nil {
			return nil, fmt.Errorf("%w: carousel without video", saver.ErrUnsupportedMediaType)
		}
	default:
		return nil, fmt.Errorf("%w: media type %d", saver.ErrUnsupportedMediaType, item.MediaType)
	}
	version, ok := bestVersion(media.VideoVersions)
	if !ok {
		return nil, fmt.Errorf("%w: no video versions", saver.ErrUnsupportedMediaType)
	}
	p := &post{
		shortcode: shortcode,
		videoURL:  version.URL,
		author:    item.User.Username,
		duration:  time.Duration(media.VideoDuration * float64(time.Second)),
		width:     version.Width,
		height:    version.Height,
	}
	if item.Caption != nil {
		p.title = item.Caption.Text
	}
	return p, nil
}

// bestVersion picks the largest video, the first of equals.
func bestVersion(versions []videoVersion) (best videoVersion, ok bool) {
	for _, v := range versions {
		if v.URL == "" {
			continue
		}
		if !ok || v.Width*v.Height > best.Width*best.Height {
			best, ok = v, true
		}
	}
	return best, ok
}

func (b *backend) Fetch(ctx context.Context, obj saver.RemoteObject) (*saver.Artifact, error) {
	p, ok := obj.(*post)
	if !ok {
		return nil, fmt.Errorf("unexpected remote object %T", obj)
	}
	client, err := b.httpClient()
	if err != nil {
		return nil, err
	}
	if err := b.pace(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	path, n, err := b.env.Scratch.SaveRequest(client, req, "mp4", b.env.MaxSize)
	if err != nil {
		return nil, err
	}
	return &saver.Artifact{
		Path:      path,
		Size:      n,
		Ext:       "mp4",
		Title:     p.title,
		Performer: p.author,
		Duration:  p.duration,
		Width:     p.width,
		Height:    p.height,
	}, nil
}

func (b *backend) httpClient() (*http.Client, error) {
	if b.client == nil {
		return nil, errors.New("instagram backend used without a route")
	}
	return b.client, nil
}

func (b *backend) pace(ctx context.Context) error {
	if err := b.config.Limiter.Wait(ctx); err != nil {
		return err
	}
	return b.config.throttle.Wait(ctx)
}

// extractShortcode finds the post shortcode in links like https://www.instagram.com/reel/{CODE}/?igsh=..., falling
// back to the last path segment.
func extractShortcode(link string) (string, error) {
	parsedURL, err := util.ParseHTTPURL(link)
	if err != nil {
		return "", err
	}
	if code, ok := util.SegmentAfter(parsedURL, "p", "reel", "reels", "tv"); ok {
		return code, nil
	}
	if code, ok := util.LastSegment(parsedURL); ok {
		return code, nil
	}
	return "", fmt.Errorf("no shortcode in %v", link)
}
