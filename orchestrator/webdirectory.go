// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package orchestrator

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/scraper/hostlimit"
)

// DirectorySource discovers studios from a curated directory page.
// Every entry is an element with a data-studio-id attribute carrying
// the stable id, optional data-city and data-postcode attributes, and
// an anchor pointing at the studio website.
type DirectorySource struct {
	fetcher *scraper.Fetcher
	url     string
}

// NewDirectorySource creates a DirectorySource reading directoryURL.
func NewDirectorySource(fetcher *scraper.Fetcher, directoryURL string) *DirectorySource {
	return &DirectorySource{fetcher: fetcher, url: directoryURL}
}

// Studios implements StudioSource.
func (source *DirectorySource) Studios(ctx context.Context) (_ []catalog.Studio, err error) {
	defer mon.Task()(&ctx)(&err)

	page, err := source.fetcher.Fetch(ctx, source.url)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	root, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var studios []catalog.Studio
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if id := attr(node, "data-studio-id"); id != "" {
				studio := catalog.Studio{
					StudioID: id,
					City:     attr(node, "data-city"),
					Postcode: attr(node, "data-postcode"),
					Source:   "directory",
				}
				if name, href := firstAnchor(node); href != "" {
					studio.Name = name
					if resolved, err := base.Parse(href); err == nil {
						studio.Website = resolved.String()
					}
				}
				studios = append(studios, studio)
				// entries do not nest
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	mon.IntVal("directory_studios").Observe(int64(len(studios)))
	return studios, nil
}

// LinkFinder finds artist pages by scanning a studio website for
// profile links shaped like /artists/<slug>. Links that leave the
// studio's registrable domain are ignored.
type LinkFinder struct {
	fetcher *scraper.Fetcher
	max     int
}

// NewLinkFinder creates a LinkFinder taking at most maxPerStudio
// targets from one studio site.
func NewLinkFinder(fetcher *scraper.Fetcher, maxPerStudio int) *LinkFinder {
	if maxPerStudio <= 0 {
		maxPerStudio = 100
	}
	return &LinkFinder{fetcher: fetcher, max: maxPerStudio}
}

// FindArtists implements ArtistFinder.
func (finder *LinkFinder) FindArtists(ctx context.Context, studio catalog.Studio) (_ []ArtistTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	if studio.Website == "" {
		return nil, nil
	}
	page, err := finder.fetcher.Fetch(ctx, studio.Website)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	root, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	siteKey, err := hostlimit.Key(page.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var targets []ArtistTarget
	seen := map[string]struct{}{}
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if len(targets) >= finder.max {
			return
		}
		if node.Type == html.ElementNode && node.Data == "a" {
			if target, ok := artistTarget(base, siteKey, studio.StudioID, attr(node, "href")); ok {
				if _, dup := seen[target.ArtistID]; !dup {
					seen[target.ArtistID] = struct{}{}
					targets = append(targets, target)
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	return targets, nil
}

// artistTarget decides whether href is an artist profile link and
// derives the stable target for it.
func artistTarget(base *url.URL, siteKey, studioID, href string) (ArtistTarget, bool) {
	if href == "" {
		return ArtistTarget{}, false
	}
	resolved, err := base.Parse(href)
	if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
		return ArtistTarget{}, false
	}
	if key, err := hostlimit.Key(resolved.String()); err != nil || key != siteKey {
		return ArtistTarget{}, false
	}

	segments := strings.Split(strings.ToLower(strings.Trim(resolved.Path, "/")), "/")
	if len(segments) < 2 {
		return ArtistTarget{}, false
	}
	section, slug := segments[len(segments)-2], segments[len(segments)-1]
	if (section != "artist" && section != "artists") || slug == "" {
		return ArtistTarget{}, false
	}

	resolved.Fragment = ""
	return ArtistTarget{
		ArtistID:  studioID + "-" + slug,
		StudioID:  studioID,
		TargetURL: resolved.String(),
	}, true
}

func attr(node *html.Node, name string) string {
	for _, a := range node.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// firstAnchor returns the text and href of the first anchor under
// node.
func firstAnchor(node *html.Node) (text, href string) {
	if node.Type == html.ElementNode && node.Data == "a" {
		if link := attr(node, "href"); link != "" {
			return strings.TrimSpace(textOf(node)), link
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if text, href := firstAnchor(child); href != "" {
			return text, href
		}
	}
	return "", ""
}

func textOf(node *html.Node) string {
	if node.Type == html.TextNode {
		return node.Data
	}
	var b strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(textOf(child))
	}
	return b.String()
}
