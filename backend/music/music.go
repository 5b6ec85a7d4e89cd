// Package music acquires tracks from a Yandex Music style API, as tagged MP3 files.
package music

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bogem/id3v2/v2"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/util"
)

const Name = "music"

var Claims = []string{"yandex"}

const (
	DefaultBaseURL = "https://api.music.yandex.net"
	// Salt of the direct link signature.
	signSalt     = "XGRlBW9FXlekgbPrRHuSiA"
	coverSize    = "400x400"
	maxBodyBytes = 10 << 20
)

type Config struct {
	BaseURL string
	Token   string
	Client  *http.Client
	// DirectScheme is the scheme of resolved direct links.
	DirectScheme string
}

func NewConfig(token string) Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Token:        token,
		Client:       &http.Client{Timeout: 2 * time.Minute},
		DirectScheme: "https",
	}
}

func (c Config) Descriptor() saver.Descriptor {
	return saver.Descriptor{
		Name:   Name,
		Claims: Claims,
		New: func(env saver.BackendEnv) (saver.Backend, error) {
			if c.Token == "" {
				return nil, fmt.Errorf("music backend needs a token")
			}
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

type artist struct {
	Name string `json:"name"`
}

type album struct {
	Title string `json:"title"`
}

type track struct {
	ID         json.Number `json:"id"`
	Title      string      `json:"title"`
	DurationMs int64       `json:"durationMs"`
	Artists    []artist    `json:"artists"`
	Albums     []album     `json:"albums"`
	CoverURI   string      `json:"coverUri"`
}

func (t *track) String() string {
	return fmt.Sprintf("%s - %s [%s]", t.artist(), t.Title, t.ID)
}

func (t *track) artist() string {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

func (t *track) album() string {
	titles := make([]string, 0, len(t.Albums))
	for _, a := range t.Albums {
		titles = append(titles, a.Title)
	}
	return strings.Join(titles, ", ")
}

func (t *track) coverURL(scheme string) string {
	if t.CoverURI == "" {
		return ""
	}
	return scheme + "://" + strings.ReplaceAll(t.CoverURI, "%%", coverSize)
}

// A downloadInfo is one available encoding of a track.
type downloadInfo struct {
	Codec           string `json:"codec"`
	BitrateInKbps   int    `json:"bitrateInKbps"`
	DownloadInfoURL string `json:"downloadInfoUrl"`
	Direct          bool   `json:"direct"`
}

type directLinkInfo struct {
	XMLName xml.Name `xml:"download-info"`
	Host    string   `xml:"host"`
	Path    string   `xml:"path"`
	TS      string   `xml:"ts"`
	S       string   `xml:"s"`
}

type apiResponse[T any] struct {
	Result T `json:"result"`
}

func (b *backend) Locate(ctx context.Context) (saver.RemoteObject, error) {
	trackID, err := extractTrackID(b.env.Link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saver.ErrObjectNotFound, err)
	}
	var resp apiResponse[[]track]
	if err := b.get(ctx, fmt.Sprintf("/tracks/%d", trackID), &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: track %d", saver.ErrObjectNotFound, trackID)
	}
	return &resp.Result[0], nil
}

func (b *backend) Fetch(ctx context.Context, obj saver.RemoteObject) (*saver.Artifact, error) {
	t, ok := obj.(*track)
	if !ok {
		return nil, fmt.Errorf("unexpected remote object %T", obj)
	}
	direct, err := b.directLink(ctx, t)
	if err != nil {
		return nil, err
	}
	path, _, err := b.env.Scratch.SaveURL(ctx, b.config.Client, direct, "mp3", b.env.MaxSize)
	if err != nil {
		return nil, err
	}
	if err := b.tag(ctx, path, t); err != nil {
		_ = b.env.Scratch.Remove(path)
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		_ = b.env.Scratch.Remove(path)
		return nil, err
	}
	return &saver.Artifact{
		Path:      path,
		Size:      info.Size(),
		Ext:       "mp3",
		Title:     t.Title,
		Performer: t.artist(),
		Album:     t.album(),
		Duration:  time.Duration(t.DurationMs) * time.Millisecond,
	}, nil
}

// DirectLink returns a link to the highest bitrate encoding of the track, without downloading it.
func (b *backend) DirectLink(ctx context.Context) (string, error) {
	obj, err := b.Locate(ctx)
	if err != nil {
		return "", err
	}
	return b.directLink(ctx, obj.(*track))
}

func (b *backend) directLink(ctx context.Context, t *track) (string, error) {
	var resp apiResponse[[]downloadInfo]
	if err := b.get(ctx, fmt.Sprintf("/tracks/%s/download-info", t.ID), &resp); err != nil {
		return "", err
	}
	best, ok := maxBitrate(resp.Result)
	if !ok {
		return "", fmt.Errorf("%w: no downloadable encoding for track %s", saver.ErrUnsupportedMediaType, t.ID)
	}
	var info directLinkInfo
	if err := b.getXML(ctx, best.DownloadInfoURL, &info); err != nil {
		return "", err
	}
	return info.url(b.config.DirectScheme), nil
}

// maxBitrate picks the encoding with the highest bitrate, the first of equals.
func maxBitrate(infos []downloadInfo) (best downloadInfo, ok bool) {
	for _, info := range infos {
		if info.DownloadInfoURL == "" {
			continue
		}
		if !ok || info.BitrateInKbps > best.BitrateInKbps {
			best, ok = info, true
		}
	}
	return best, ok
}

func (i *directLinkInfo) sign() string {
	sum := md5.Sum([]byte(signSalt + strings.TrimPrefix(i.Path, "/") + i.S))
	return hex.EncodeToString(sum[:])
}

func (i *directLinkInfo) url(scheme string) string {
	return fmt.Sprintf("%s://%s/get-mp3/%s/%s%s", scheme, i.Host, i.sign(), i.TS, i.Path)
}

// tag writes ID3v2 title, artist, album and front cover. A missing cover is not an error.
func (b *backend) tag(ctx context.Context, path string, t *track) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open %v for tagging: %w", path, err)
	}
	defer tag.Close()
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(t.Title)
	tag.SetArtist(t.artist())
	tag.SetAlbum(t.album())

	if cover := t.coverURL(b.config.DirectScheme); cover != "" {
		if data, err := b.download(ctx, cover); err != nil {
			saver.Logger(ctx).Sugar().Named(Name).Warnw("failed to download cover", "track", t.ID, "error", err)
		} else {
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    "image/jpeg",
				PictureType: id3v2.PTFrontCover,
				Description: "Front cover",
				Picture:     data,
			})
		}
	}
	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save tags: %w", err)
	}
	return nil
}

func (b *backend) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+b.config.Token)
	resp, err := b.config.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %v failed: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", saver.ErrObjectNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return &saver.StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %v: %w", path, err)
	}
	return nil
}

func (b *backend) getXML(ctx context.Context, url string, v any) error {
	data, err := b.download(ctx, url)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode download info: %w", err)
	}
	return nil
}

func (b *backend) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %v failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &saver.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// extractTrackID takes the track ID from links like https://music.yandex.ru/album/1/track/2.
func extractTrackID(link string) (int64, error) {
	parsedURL, err := util.ParseHTTPURL(link)
	if err != nil {
		return 0, err
	}
	segment, ok := util.LastSegment(parsedURL)
	if !ok {
		return 0, fmt.Errorf("no track ID in %v", link)
	}
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid track ID %q", segment)
	}
	return id, nil
}
