package saver

import (
	"context"
	"errors"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

type nopRemote struct{}

func (nopRemote) String() string { return "nop" }

type namedBackend struct {
	name string
	env  BackendEnv
}

func (b *namedBackend) Name() string { return b.name }

func (b *namedBackend) Locate(context.Context) (RemoteObject, error) { return nopRemote{}, nil }

func (b *namedBackend) Fetch(context.Context, RemoteObject) (*Artifact, error) {
	return nil, ErrUnsupportedMediaType
}

func nopBackend(name string) Constructor {
	return func(env BackendEnv) (Backend, error) {
		return &namedBackend{name: name, env: env}, nil
	}
}

func TestRegistryAdd(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}

	assert.NoError(r.Add(Descriptor{Name: "a", Claims: []string{"alpha"}, New: nopBackend("a")}))
	assert.ErrorIs(r.Add(Descriptor{Name: "a", Claims: []string{"other"}, New: nopBackend("a")}), ErrDuplicateBackend)
	assert.ErrorIs(r.Add(Descriptor{Name: "", Claims: []string{"x"}, New: nopBackend("")}), ErrInvalidBackend)
	assert.ErrorIs(r.Add(Descriptor{Name: "b", New: nopBackend("b")}), ErrInvalidBackend)
	assert.ErrorIs(r.Add(Descriptor{Name: "b", Claims: []string{"x"}}), ErrInvalidBackend)
	assert.ErrorIs(r.Add(Descriptor{Name: "b", Claims: []string{""}, New: nopBackend("b")}), ErrInvalidBackend)
	assert.ErrorIs(r.Add(Descriptor{Name: "b", Claims: []string{"beta", "alpha"}, New: nopBackend("b")}), ErrOverlappingClaim)
	// Containment is allowed, precedence is by order
	assert.NoError(r.Add(Descriptor{Name: "b", Claims: []string{"alphabet"}, New: nopBackend("b")}))
	assert.Equal([]string{"a", "b"}, r.List())

	assert.Panics(func() {
		r.MustAdd(Descriptor{Name: "a", Claims: []string{"c"}, New: nopBackend("a")})
	})
}

func TestRegistryResolveFirstMatch(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}
	r.MustAdd(Descriptor{Name: "a", Claims: []string{"alpha"}, New: nopBackend("a")})
	r.MustAdd(Descriptor{Name: "b", Claims: []string{"alphabet"}, New: nopBackend("b")})

	match, err := r.Resolve(BackendEnv{Link: "https://alphabet.example/"})
	assert.NoError(err)
	assert.Equal("a", match.BackendName)
	assert.Equal("https://alphabet.example/", match.Backend.(*namedBackend).env.Link)

	match, err = r.MatchWith("b", BackendEnv{Link: "https://alphabet.example/"})
	assert.NoError(err)
	assert.Equal("b", match.BackendName)

	_, err = r.MatchWith("b", BackendEnv{Link: "https://alpha.example/"})
	assert.ErrorIs(err, ErrUnsupportedOrigin)
	_, err = r.MatchWith("c", BackendEnv{Link: "https://alpha.example/"})
	assert.ErrorIs(err, ErrUnknownBackend)

	_, err = r.Resolve(BackendEnv{Link: "https://gamma.example/"})
	assert.ErrorIs(err, ErrUnsupportedOrigin)
}

func TestRegistryPriority(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}
	r.MustAdd(Descriptor{Name: "a", Claims: []string{"a"}, New: nopBackend("a")})
	r.MustAdd(Descriptor{Name: "b", Claims: []string{"b"}, New: nopBackend("b"), Priority: PriorityLowest})
	r.MustAdd(Descriptor{Name: "c", Claims: []string{"c"}, New: nopBackend("c"), Priority: PriorityHighest})
	r.MustAdd(Descriptor{Name: "d", Claims: []string{"d"}, New: nopBackend("d")})
	assert.Equal([]string{"c", "a", "d", "b"}, r.List())

	assert.NoError(r.Reorder([]string{"d", "b"}))
	assert.Equal([]string{"d", "b", "c", "a"}, r.List())
	assert.ErrorIs(r.Reorder([]string{"x"}), ErrUnknownBackend)
	assert.Equal([]string{"d", "b", "c", "a"}, r.List())
}

func TestRegistryConstructorError(t *testing.T) {
	assert := assert_.New(t)
	errBroken := errors.New("broken")
	r := Registry{}
	r.MustAdd(Descriptor{Name: "a", Claims: []string{"a"}, New: func(BackendEnv) (Backend, error) {
		return nil, errBroken
	}})
	_, err := r.Resolve(BackendEnv{Link: "https://a.example/"})
	assert.ErrorIs(err, errBroken)
	assert.False(IsBusiness(err))
}

func TestRegistrySetClaims(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}
	r.MustAdd(Descriptor{Name: "a", Claims: []string{"a"}, New: nopBackend("a")})
	r.MustAdd(Descriptor{Name: "b", Claims: []string{"b"}, New: nopBackend("b")})

	assert.NoError(r.SetClaims("a", []string{"a", "x"}))
	match, err := r.Resolve(BackendEnv{Link: "x"})
	assert.NoError(err)
	assert.Equal("a", match.BackendName)

	assert.ErrorIs(r.SetClaims("a", []string{"b"}), ErrOverlappingClaim)
	assert.ErrorIs(r.SetClaims("a", nil), ErrInvalidBackend)
	assert.ErrorIs(r.SetClaims("z", []string{"z"}), ErrUnknownBackend)
}

// An empty claim is a substring of every link, so accepting it would turn the backend into a catch-all.
func TestRegistrySetClaimsRejectsEmptyClaim(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}
	r.MustAdd(Descriptor{Name: "a", Claims: []string{"a"}, New: nopBackend("a")})

	assert.ErrorIs(r.SetClaims("a", []string{""}), ErrInvalidBackend)
	assert.ErrorIs(r.SetClaims("a", []string{"x", ""}), ErrInvalidBackend)
	_, err := r.Resolve(BackendEnv{Link: "https://example.com/x"})
	assert.ErrorIs(err, ErrUnsupportedOrigin)
}

func TestRegistryReplaceClaims(t *testing.T) {
	assert := assert_.New(t)
	r := Registry{}
	r.MustAdd(Descriptor{Name: "music", Claims: []string{"music"}, New: nopBackend("music")})
	r.MustAdd(Descriptor{Name: "youtube", Claims: []string{"youtube", "yt"}, New: nopBackend("youtube")})

	// Moving a claim only works when both sides change together
	assert.ErrorIs(r.SetClaims("music", []string{"music", "yt"}), ErrOverlappingClaim)
	assert.NoError(r.ReplaceClaims(map[string][]string{
		"music":   {"music", "yt"},
		"youtube": {"youtube"},
	}))
	match, err := r.Resolve(BackendEnv{Link: "https://example.com/yt"})
	assert.NoError(err)
	assert.Equal("music", match.BackendName)

	// A failure leaves every backend as it was
	assert.ErrorIs(r.ReplaceClaims(map[string][]string{
		"music":   {"tunes"},
		"youtube": {"youtube", ""},
	}), ErrInvalidBackend)
	assert.ErrorIs(r.ReplaceClaims(map[string][]string{
		"music":   {"tunes"},
		"youtube": {"tunes"},
	}), ErrOverlappingClaim)
	assert.ErrorIs(r.ReplaceClaims(map[string][]string{
		"music": {"tunes"},
		"x":     {"x"},
	}), ErrUnknownBackend)
	match, err = r.Resolve(BackendEnv{Link: "https://music.example/"})
	assert.NoError(err)
	assert.Equal("music", match.BackendName)
	_, err = r.Resolve(BackendEnv{Link: "https://tunes.example/"})
	assert.ErrorIs(err, ErrUnsupportedOrigin)
}
