// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package scraper_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/styles"
)

const artistPage = `<!DOCTYPE html>
<html>
<head>
<title>Maya Voss | Black Lotus Tattoo</title>
<meta property="og:title" content="Maya Voss | Black Lotus Tattoo">
<meta property="og:image" content="https://cdn.blacklotus.test/maya/cover.jpg">
<meta name="keywords" content="fine line, blackwork, tattoo artist london">
</head>
<body>
<h1>Maya Voss</h1>
<p>Maya specialises in fine-line and black &amp; grey pieces. Booking via
<a href="https://www.instagram.com/maya.voss.ink/">Instagram</a> or the studio.</p>
<div class="portfolio-grid">
  <img src="https://cdn.blacklotus.test/maya/rose.jpg"
       srcset="https://cdn.blacklotus.test/maya/rose-300.jpg 300w, https://cdn.blacklotus.test/maya/rose-900.jpg 900w"
       width="900" height="1200" alt="fine line rose tattoo">
  <img src="https://cdn.blacklotus.test/maya/snake.jpg" alt="snake tattoo">
  <img data-src="https://cdn.blacklotus.test/maya/lotus.jpg" alt="lotus">
</div>
<span itemprop="ratingValue" content="4.8"></span>
<img src="/static/logo.png" alt="studio logo">
<a href="https://www.instagram.com/p/XyZ123/">latest post</a>
</body>
</html>`

func TestParseArtistPage(t *testing.T) {
	parser := scraper.NewParser(styles.NewRegistry(), scraper.ParseConfig{MaxImages: 12})

	result, err := parser.Parse(&scraper.Page{URL: "https://blacklotus.test/artists/maya", Body: []byte(artistPage)})
	require.NoError(t, err)
	require.False(t, result.Empty)

	require.Equal(t, "Maya Voss", result.Name)
	require.Equal(t, "maya.voss.ink", result.InstagramHandle)
	require.InDelta(t, 4.8, result.Rating, 0.001)

	require.Contains(t, result.Styles, "fine-line")
	require.Contains(t, result.Styles, "blackwork")
	require.Contains(t, result.Styles, "black-and-grey")

	require.Len(t, result.Images, 4)
	require.Equal(t, "https://cdn.blacklotus.test/maya/cover.jpg", result.Images[0].URL)
	require.Equal(t, "https://cdn.blacklotus.test/maya/rose.jpg", result.Images[1].URL)
	for i, image := range result.Images {
		require.Equal(t, i, image.Position)
		require.NotEmpty(t, image.ImageID)
	}
	// the site chrome logo is not part of the portfolio
	for _, image := range result.Images {
		require.NotContains(t, image.URL, "logo")
	}

	// the rose img carries the full attribute set
	rose := result.Images[1]
	require.Equal(t, "https://cdn.blacklotus.test/maya/rose-300.jpg", rose.ThumbURL)
	require.Equal(t, "fine line rose tattoo", rose.AltText)
	require.Equal(t, 900, rose.Width)
	require.Equal(t, 1200, rose.Height)
	require.Equal(t, []string{"fine-line"}, rose.Styles)

	// the snake alt names no style
	require.Equal(t, "snake tattoo", result.Images[2].AltText)
	require.Empty(t, result.Images[2].Styles)
}

func TestParseEmptyPage(t *testing.T) {
	parser := scraper.NewParser(styles.NewRegistry(), scraper.ParseConfig{})

	result, err := parser.Parse(&scraper.Page{
		URL:  "https://blacklotus.test/opening-hours",
		Body: []byte(`<html><body><p>Open Tuesday to Saturday, walk-ins welcome.</p></body></html>`),
	})
	require.NoError(t, err)
	require.True(t, result.Empty)
	require.Empty(t, result.Name)
}

func TestParseHandleOnlyPage(t *testing.T) {
	parser := scraper.NewParser(styles.NewRegistry(), scraper.ParseConfig{})

	result, err := parser.Parse(&scraper.Page{
		URL:  "https://blacklotus.test/artists/anon",
		Body: []byte(`<html><body><a href="https://instagram.com/inkbyjo">book here</a></body></html>`),
	})
	require.NoError(t, err)
	require.False(t, result.Empty)
	// the handle stands in for a missing display name
	require.Equal(t, "inkbyjo", result.Name)
	require.Equal(t, "inkbyjo", result.InstagramHandle)
}

func TestParseImageCap(t *testing.T) {
	parser := scraper.NewParser(styles.NewRegistry(), scraper.ParseConfig{MaxImages: 2})

	page := `<html><body><h1>Jo</h1><div class="gallery">
<img src="https://x.test/1.jpg"><img src="https://x.test/2.jpg"><img src="https://x.test/3.jpg">
</div></body></html>`
	result, err := parser.Parse(&scraper.Page{URL: "https://x.test/jo", Body: []byte(page)})
	require.NoError(t, err)
	require.Len(t, result.Images, 2)
}

func TestParseDuplicateImageNames(t *testing.T) {
	parser := scraper.NewParser(styles.NewRegistry(), scraper.ParseConfig{})

	page := `<html><body><h1>Jo</h1><div class="gallery">
<img src="https://x.test/a/1.jpg"><img src="https://x.test/b/1.jpg">
</div></body></html>`
	result, err := parser.Parse(&scraper.Page{URL: "https://x.test/jo", Body: []byte(page)})
	require.NoError(t, err)
	require.Len(t, result.Images, 2)
	require.NotEqual(t, result.Images[0].ImageID, result.Images[1].ImageID)
}
