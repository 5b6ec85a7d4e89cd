// Package backends registers every backend with a registry, in the default match order: music, youtube, instagram.
package backends

import (
	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/backend/instagram"
	"github.com/bsaverbot/saver/backend/music"
	"github.com/bsaverbot/saver/backend/youtube"
)

type Config struct {
	Music     music.Config
	YouTube   youtube.Config
	Instagram instagram.Config
}

func Register(registry *saver.Registry, config Config) error {
	for _, d := range []saver.Descriptor{
		config.Music.Descriptor(),
		config.YouTube.Descriptor(),
		config.Instagram.Descriptor(),
	} {
		if err := registry.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// New returns a registry with every backend registered.
func New(config Config) (*saver.Registry, error) {
	registry := &saver.Registry{}
	if err := Register(registry, config); err != nil {
		return nil, err
	}
	return registry, nil
}
