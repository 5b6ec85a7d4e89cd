// Package youtube acquires progressive video streams from YouTube.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/util"
)

const Name = "youtube"

// Claims are the link substrings routed to this backend.
var Claims = []string{"youtube", "yt", "youtu"}

// Client is the part of youtube.Client the backend uses.
type Client interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

type Config struct {
	Client Client
	// Ext is the container format to deliver, "mp4" by default.
	Ext string
}

func NewConfig() Config {
	return Config{
		Client: &youtube.Client{},
		Ext:    "mp4",
	}
}

func (c Config) Descriptor() saver.Descriptor {
	return saver.Descriptor{
		Name:   Name,
		Claims: Claims,
		New: func(env saver.BackendEnv) (saver.Backend, error) {
			return &backend{config: c, env: env}, nil
		},
	}
}

type backend struct {
	config Config
	env    saver.BackendEnv
}

func (b *backend) Name() string {
	return Name
}

type video struct {
	details *youtube.Video
	format  *youtube.Format
}

func (v *video) String() string {
	return fmt.Sprintf("%s [%s] itag %d %dp", v.details.Title, v.details.ID, v.format.ItagNo, v.format.Height)
}

func (b *backend) Locate(ctx context.Context) (saver.RemoteObject, error) {
	parsedURL, err := util.ParseHTTPURL(b.env.Link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saver.ErrObjectNotFound, err)
	}
	videoID, err := extractVideoID(parsedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saver.ErrObjectNotFound, err)
	}
	details, err := b.config.Client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, classify("failed to get video info", err)
	}
	format, err := selectFormat(details.Formats, b.config.Ext)
	if err != nil {
		return nil, err
	}
	return &video{details: details, format: format}, nil
}

func (b *backend) Fetch(ctx context.Context, obj saver.RemoteObject) (*saver.Artifact, error) {
	v, ok := obj.(*video)
	if !ok {
		return nil, fmt.Errorf("unexpected remote object %T", obj)
	}
	if b.tooLarge(v.format.ContentLength) {
		return nil, saver.ErrEntityTooLarge
	}
	stream, size, err := b.config.Client.GetStreamContext(ctx, v.details, v.format)
	if err != nil {
		return nil, classify("failed to get stream", err)
	}
	defer stream.Close()
	if b.tooLarge(size) {
		return nil, saver.ErrEntityTooLarge
	}
	path, n, err := b.env.Scratch.SaveStream(ctx, b.config.Ext, stream, size, b.env.MaxSize)
	if err != nil {
		return nil, err
	}
	return &saver.Artifact{
		Path:      path,
		Size:      n,
		Ext:       b.config.Ext,
		Title:     v.details.Title,
		Performer: v.details.Author,
		Duration:  v.details.Duration,
		Width:     v.format.Width,
		Height:    v.format.Height,
	}, nil
}

func (b *backend) tooLarge(size int64) bool {
	return b.env.MaxSize > 0 && size > b.env.MaxSize
}

// selectFormat picks the best progressive (video and audio in one stream) format in the ext container: highest
// resolution first, then highest bitrate.
func selectFormat(formats youtube.FormatList, ext string) (*youtube.Format, error) {
	var candidates youtube.FormatList
	for _, format := range formats.WithAudioChannels() {
		mimeType := strings.TrimSpace(strings.SplitN(format.MimeType, ";", 2)[0])
		if mimeType == "video/"+ext {
			candidates = append(candidates, format)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no progressive %v stream", saver.ErrUnsupportedMediaType, ext)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Height != candidates[j].Height {
			return candidates[i].Height > candidates[j].Height
		}
		return candidates[i].Bitrate > candidates[j].Bitrate
	})
	return &candidates[0], nil
}

// classify turns client errors into ErrObjectNotFound, except for network failures which are worth retrying.
func classify(msg string, err error) error {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", msg, err)
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		return fmt.Errorf("%v: %w", msg, err)
	default:
		return fmt.Errorf("%w: %v: %v", saver.ErrObjectNotFound, msg, err)
	}
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//
//	http(s?)://(www|m)?.youtube.com/(watch|details)?v={VIDEO_ID}
//	http(s?)://(www|m)?.youtube.com/(v|shorts|embed|live)/{VIDEO_ID}
//	http(s?)://youtu.be/{VIDEO_ID}
func extractVideoID(url *url.URL) (string, error) {
	var id string
	switch strings.ToLower(url.Hostname()) {
	case "www.youtube.com", "m.youtube.com", "youtube.com", "music.youtube.com":
		if url.Path == "/watch" || url.Path == "/details" {
			if url.Query().Has("v") {
				id = url.Query().Get("v")
			} else {
				return "", fmt.Errorf("missing ?v= query parameter")
			}
		} else {
			id, _ = util.SegmentAfter(url, "v", "shorts", "embed", "live")
		}
	case "youtu.be":
		id = strings.Trim(url.Path, "/")
	default:
		return "", fmt.Errorf("unrecognised hostname %v", url.Hostname())
	}
	if id == "" {
		return "", fmt.Errorf("could not extract video ID")
	}
	return id, nil
}
