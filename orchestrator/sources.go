// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package orchestrator

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/scraper"
)

// StudioSource yields the studios a crawl run works through.
type StudioSource interface {
	// Studios returns the studios to crawl. Implementations return the
	// full set every time; the catalog dedupes across runs.
	Studios(ctx context.Context) ([]catalog.Studio, error)
}

// ArtistTarget is one artist page a run should scrape.
type ArtistTarget struct {
	ArtistID  string
	StudioID  string
	TargetURL string
}

// ArtistFinder lists the artist pages of one studio.
type ArtistFinder interface {
	FindArtists(ctx context.Context, studio catalog.Studio) ([]ArtistTarget, error)
}

// NewSource returns the studio source the config selects: the curated
// directory page when a url is set, otherwise the yaml seed file.
func NewSource(config Config, fetcher *scraper.Fetcher) (StudioSource, error) {
	switch {
	case config.DirectoryURL != "":
		return NewDirectorySource(fetcher, config.DirectoryURL), nil
	case config.SeedFile != "":
		return NewStaticSource(config.SeedFile), nil
	default:
		return nil, Error.New("no studio source configured: set directory-url or seed-file")
	}
}

// seedStudio is one entry of the seed file.
type seedStudio struct {
	StudioID string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Website  string  `yaml:"website"`
	City     string  `yaml:"city"`
	Postcode string  `yaml:"postcode"`
	Lat      float64 `yaml:"lat"`
	Lng      float64 `yaml:"lng"`
}

// StaticSource reads studios from a yaml seed file. The file is read
// on every run, so edits apply without a restart.
type StaticSource struct {
	path string
}

// NewStaticSource creates a StaticSource reading path.
func NewStaticSource(path string) *StaticSource {
	return &StaticSource{path: path}
}

// Studios implements StudioSource.
func (source *StaticSource) Studios(ctx context.Context) (_ []catalog.Studio, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := os.ReadFile(source.path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var seed struct {
		Studios []seedStudio `yaml:"studios"`
	}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, Error.Wrap(err)
	}

	studios := make([]catalog.Studio, 0, len(seed.Studios))
	for _, entry := range seed.Studios {
		studio := catalog.Studio{
			StudioID: entry.StudioID,
			Name:     entry.Name,
			Website:  entry.Website,
			City:     entry.City,
			Postcode: entry.Postcode,
			Source:   "seed",
		}
		if entry.Lat != 0 || entry.Lng != 0 {
			studio.Geohash = geo.EncodeLatLng(entry.Lat, entry.Lng)
		}
		studios = append(studios, studio)
	}
	return studios, nil
}
