package youtube

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/kkdai/youtube/v2"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/bsaverbot/saver"
)

const mb = 1 << 20

type fakeClient struct {
	video     *youtube.Video
	videoErr  error
	content   []byte
	streamLen int64
	streamed  []*youtube.Format
}

func (c *fakeClient) GetVideoContext(_ context.Context, id string) (*youtube.Video, error) {
	if c.videoErr != nil {
		return nil, c.videoErr
	}
	return c.video, nil
}

func (c *fakeClient) GetStreamContext(_ context.Context, _ *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error) {
	c.streamed = append(c.streamed, format)
	size := c.streamLen
	if size == 0 {
		size = int64(len(c.content))
	}
	return io.NopCloser(bytes.NewReader(c.content)), size, nil
}

func testVideo(formats ...youtube.Format) *youtube.Video {
	return &youtube.Video{
		ID:       "dQw4w9WgXcQ",
		Title:    "Never Gonna Give You Up",
		Author:   "Rick Astley",
		Duration: 213 * time.Second,
		Formats:  formats,
	}
}

func newTestBackend(t *testing.T, client Client, link string, maxSize int64) saver.Backend {
	t.Helper()
	scratch, err := saver.NewScratch(t.TempDir())
	require_.NoError(t, err)
	config := NewConfig()
	config.Client = client
	backend, err := config.Descriptor().New(saver.BackendEnv{Link: link, Scratch: scratch, MaxSize: maxSize})
	require_.NoError(t, err)
	return backend
}

func scratchFiles(t *testing.T, b saver.Backend) []os.DirEntry {
	entries, err := os.ReadDir(b.(*backend).env.Scratch.Dir())
	require_.NoError(t, err)
	return entries
}

func TestFetchProgressiveMP4(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	client := &fakeClient{
		video: testVideo(
			youtube.Format{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, AudioChannels: 2, Height: 360, Width: 640, Bitrate: 500},
			youtube.Format{ItagNo: 22, MimeType: `video/mp4; codecs="avc1.64001F, mp4a.40.2"`, AudioChannels: 2, Height: 720, Width: 1280, Bitrate: 1000, ContentLength: 30 * mb},
			youtube.Format{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Height: 1080, Width: 1920, Bitrate: 4000},
			youtube.Format{ItagNo: 43, MimeType: `video/webm; codecs="vp8.0, vorbis"`, AudioChannels: 2, Height: 1080, Bitrate: 5000},
		),
		content: bytes.Repeat([]byte{0x42}, 30*mb),
	}
	b := newTestBackend(t, client, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", 50*mb)

	obj, err := b.Locate(context.Background())
	require.NoError(err)
	artifact, err := b.Fetch(context.Background(), obj)
	require.NoError(err)

	assert.Equal("mp4", artifact.Ext)
	assert.NotEmpty(artifact.Title)
	assert.Equal("Rick Astley", artifact.Performer)
	assert.Equal(int64(30*mb), artifact.Size)
	assert.Equal(720, artifact.Height)
	require.Len(client.streamed, 1)
	assert.Equal(22, client.streamed[0].ItagNo)
	info, err := os.Stat(artifact.Path)
	require.NoError(err)
	assert.Equal(int64(30*mb), info.Size())
}

func TestSelectFormatTiesByBitrate(t *testing.T) {
	assert := assert_.New(t)
	format, err := selectFormat(youtube.FormatList{
		{ItagNo: 1, MimeType: "video/mp4", AudioChannels: 2, Height: 720, Bitrate: 100},
		{ItagNo: 2, MimeType: "video/mp4", AudioChannels: 2, Height: 720, Bitrate: 300},
		{ItagNo: 3, MimeType: "video/mp4", AudioChannels: 2, Height: 480, Bitrate: 900},
	}, "mp4")
	assert.NoError(err)
	assert.Equal(2, format.ItagNo)
}

func TestNoProgressiveStream(t *testing.T) {
	client := &fakeClient{
		video: testVideo(
			youtube.Format{ItagNo: 137, MimeType: "video/mp4", Height: 1080},
			youtube.Format{ItagNo: 140, MimeType: "audio/mp4", AudioChannels: 2},
		),
	}
	b := newTestBackend(t, client, "https://youtu.be/dQw4w9WgXcQ", 50*mb)
	_, err := b.Locate(context.Background())
	assert_.ErrorIs(t, err, saver.ErrUnsupportedMediaType)
}

func TestSizeGate(t *testing.T) {
	for _, tc := range []struct {
		name          string
		contentLength int64
		streamLen     int64
	}{
		{"ContentLength", 60 * mb, 0},
		{"StreamLength", 0, 60 * mb},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert_.New(t)
			client := &fakeClient{
				video: testVideo(
					youtube.Format{ItagNo: 22, MimeType: "video/mp4", AudioChannels: 2, Height: 720, ContentLength: tc.contentLength},
				),
				content:   []byte("never written"),
				streamLen: tc.streamLen,
			}
			b := newTestBackend(t, client, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", 50*mb)
			obj, err := b.Locate(context.Background())
			require_.NoError(t, err)
			_, err = b.Fetch(context.Background(), obj)
			assert.ErrorIs(err, saver.ErrEntityTooLarge)
			assert.Empty(scratchFiles(t, b))
		})
	}
}

func TestLocateErrors(t *testing.T) {
	assert := assert_.New(t)

	b := newTestBackend(t, &fakeClient{videoErr: youtube.ErrVideoPrivate}, "https://youtu.be/dQw4w9WgXcQ", mb)
	_, err := b.Locate(context.Background())
	assert.ErrorIs(err, saver.ErrObjectNotFound)

	netErr := &url.Error{Op: "Get", URL: "https://www.youtube.com", Err: errors.New("connection reset")}
	b = newTestBackend(t, &fakeClient{videoErr: netErr}, "https://youtu.be/dQw4w9WgXcQ", mb)
	_, err = b.Locate(context.Background())
	assert.False(saver.IsBusiness(err))

	b = newTestBackend(t, &fakeClient{}, "https://www.youtube.com/feed/trending", mb)
	_, err = b.Locate(context.Background())
	assert.ErrorIs(err, saver.ErrObjectNotFound)
}

func TestExtractVideoID(t *testing.T) {
	assert := assert_.New(t)
	for link, expected := range map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=dQw4w9WgXcQ&t=10":        "dQw4w9WgXcQ",
		"http://youtube.com/v/dQw4w9WgXcQ":                      "dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/abcdefghijk":            "abcdefghijk",
		"https://youtu.be/dQw4w9WgXcQ":                          "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=x&utm=instagram_share": "x",
	} {
		u, err := url.Parse(link)
		require_.NoError(t, err)
		id, err := extractVideoID(u)
		assert.NoError(err, link)
		assert.Equal(expected, id, link)
	}
	for _, link := range []string{
		"https://www.youtube.com/watch",
		"https://www.youtube.com/",
		"https://example.com/watch?v=dQw4w9WgXcQ",
	} {
		u, _ := url.Parse(link)
		_, err := extractVideoID(u)
		assert.Error(err, link)
	}
}
