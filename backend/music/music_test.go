package music

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/bogem/id3v2/v2"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/bsaverbot/saver"
)

const token = "test-token"

type testServer struct {
	*httptest.Server
	host  string
	audio []byte
	cover []byte
	infos string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		audio: bytes.Repeat([]byte{0xff, 0xfb, 0x90, 0x00}, 1024),
		cover: []byte("\xff\xd8\xff\xe0 not really a jpeg"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/tracks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/tracks/42":
			fmt.Fprintf(w, `{"result":[{"id":"42","title":"Song","durationMs":185000,
				"artists":[{"name":"First"},{"name":"Second"}],
				"albums":[{"title":"Album"}],
				"coverUri":"%s/covers/%%%%"}]}`, s.host)
		case "/tracks/43":
			fmt.Fprint(w, `{"result":[]}`)
		case "/tracks/42/download-info":
			fmt.Fprint(w, s.infos)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/download-info/128", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><download-info><host>%s</host><path>/rmusic/U2FsdGVk/128</path><ts>0005a1b2</ts><region>-1</region><s>low</s></download-info>`, s.host)
	})
	mux.HandleFunc("/download-info/320", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><download-info><host>%s</host><path>/rmusic/U2FsdGVk/320</path><ts>0005a1b2</ts><region>-1</region><s>high</s></download-info>`, s.host)
	})
	mux.HandleFunc("/get-mp3/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.audio)
	})
	mux.HandleFunc("/covers/400x400", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.cover)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	u, _ := url.Parse(s.URL)
	s.host = u.Host
	s.infos = fmt.Sprintf(`{"result":[
		{"codec":"mp3","bitrateInKbps":128,"downloadInfoUrl":"%[1]s/download-info/128"},
		{"codec":"mp3","bitrateInKbps":320,"downloadInfoUrl":"%[1]s/download-info/320"},
		{"codec":"aac","bitrateInKbps":320,"downloadInfoUrl":"%[1]s/download-info/128"}
	]}`, s.URL)
	return s
}

func newTestBackend(t *testing.T, s *testServer, link string, maxSize int64) *backend {
	t.Helper()
	scratch, err := saver.NewScratch(t.TempDir())
	require_.NoError(t, err)
	config := NewConfig(token)
	config.BaseURL = s.URL
	config.Client = s.Client()
	config.DirectScheme = "http"
	b, err := config.Descriptor().New(saver.BackendEnv{Link: link, Scratch: scratch, MaxSize: maxSize})
	require_.NoError(t, err)
	return b.(*backend)
}

func expectedSign(path, s string) string {
	sum := md5.Sum([]byte("XGRlBW9FXlekgbPrRHuSiA" + path[1:] + s))
	return hex.EncodeToString(sum[:])
}

func TestFetchTagged(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	s := newTestServer(t)
	b := newTestBackend(t, s, "https://music.yandex.ru/album/7/track/42", 1<<20)

	obj, err := b.Locate(context.Background())
	require.NoError(err)
	artifact, err := b.Fetch(context.Background(), obj)
	require.NoError(err)

	assert.Equal("mp3", artifact.Ext)
	assert.Equal("Song", artifact.Title)
	assert.Equal("First, Second", artifact.Performer)
	assert.Equal("Album", artifact.Album)
	assert.Greater(artifact.Size, int64(len(s.audio)))

	tag, err := id3v2.Open(artifact.Path, id3v2.Options{Parse: true})
	require.NoError(err)
	defer tag.Close()
	assert.Equal("Song", tag.Title())
	assert.Equal("First, Second", tag.Artist())
	assert.Equal("Album", tag.Album())
	pictures := tag.GetFrames(tag.CommonID("Attached picture"))
	require.Len(pictures, 1)
	picture, ok := pictures[0].(id3v2.PictureFrame)
	require.True(ok)
	assert.Equal(byte(id3v2.PTFrontCover), picture.PictureType)
	assert.Equal(s.cover, picture.Picture)
}

func TestDirectLinkUsesMaxBitrate(t *testing.T) {
	s := newTestServer(t)
	b := newTestBackend(t, s, "https://music.yandex.ru/album/7/track/42", 1<<20)

	link, err := b.DirectLink(context.Background())
	require_.NoError(t, err)
	expected := fmt.Sprintf("http://%s/get-mp3/%s/0005a1b2/rmusic/U2FsdGVk/320", s.host, expectedSign("/rmusic/U2FsdGVk/320", "high"))
	assert_.Equal(t, expected, link)
}

func TestMaxBitrateFirstOfEquals(t *testing.T) {
	assert := assert_.New(t)
	best, ok := maxBitrate([]downloadInfo{
		{Codec: "aac", BitrateInKbps: 192, DownloadInfoURL: "a"},
		{Codec: "mp3", BitrateInKbps: 320, DownloadInfoURL: "b"},
		{Codec: "aac", BitrateInKbps: 320, DownloadInfoURL: "c"},
	})
	assert.True(ok)
	assert.Equal("b", best.DownloadInfoURL)

	_, ok = maxBitrate(nil)
	assert.False(ok)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, link := range []string{
		"https://music.yandex.ru/album/7/track/43",
		"https://music.yandex.ru/album/7/track/44",
		"https://music.yandex.ru/album/7/track/abc",
		"https://music.yandex.ru/",
	} {
		b := newTestBackend(t, s, link, 1<<20)
		_, err := b.Locate(context.Background())
		assert_.ErrorIs(t, err, saver.ErrObjectNotFound, link)
	}
}

func TestNoEncodings(t *testing.T) {
	s := newTestServer(t)
	s.infos = `{"result":[]}`
	b := newTestBackend(t, s, "https://music.yandex.ru/album/7/track/42", 1<<20)
	obj, err := b.Locate(context.Background())
	require_.NoError(t, err)
	_, err = b.Fetch(context.Background(), obj)
	assert_.ErrorIs(t, err, saver.ErrUnsupportedMediaType)
}

func TestTooLarge(t *testing.T) {
	assert := assert_.New(t)
	s := newTestServer(t)
	b := newTestBackend(t, s, "https://music.yandex.ru/album/7/track/42", 100)
	obj, err := b.Locate(context.Background())
	require_.NoError(t, err)
	_, err = b.Fetch(context.Background(), obj)
	assert.ErrorIs(err, saver.ErrEntityTooLarge)
	entries, err := os.ReadDir(b.env.Scratch.Dir())
	require_.NoError(t, err)
	assert.Empty(entries)
}

func TestUnauthorizedIsFault(t *testing.T) {
	s := newTestServer(t)
	b := newTestBackend(t, s, "https://music.yandex.ru/album/7/track/42", 1<<20)
	b.config.Token = "wrong"
	_, err := b.Locate(context.Background())
	assert_.Error(t, err)
	assert_.False(t, saver.IsBusiness(err))
}
