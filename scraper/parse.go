// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package scraper

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/styles"
)

// ParseConfig contains configurable values for page parsing.
type ParseConfig struct {
	MaxImages int `help:"portfolio images kept per artist" default:"12"`
}

// Result is what one artist page yields. Empty is set when the page
// holds no identifiable artist; that is an expected outcome, not an
// error.
type Result struct {
	Name            string
	InstagramHandle string
	Styles          []string
	Rating          float64
	Images          []catalog.PortfolioImage
	Empty           bool
}

// Parser extracts artist profiles from fetched pages.
type Parser struct {
	registry  *styles.Registry
	maxImages int
}

// NewParser creates a Parser using registry as the style vocabulary.
func NewParser(registry *styles.Registry, config ParseConfig) *Parser {
	if config.MaxImages <= 0 {
		config.MaxImages = 12
	}
	return &Parser{registry: registry, maxImages: config.MaxImages}
}

// pageData collects raw signals during the single tree walk.
type pageData struct {
	ogTitle   string
	h1        string
	ogImages  []string
	gallery   []imageCandidate
	instagram []string
	keywords  []string
	rating    string
	text      strings.Builder
}

// imageCandidate is one gallery img with whatever attributes the markup
// exposed.
type imageCandidate struct {
	src    string
	thumb  string
	alt    string
	width  int
	height int
}

// Parse extracts an artist from page. The walk is lenient: real studio
// pages are rarely tidy, so every signal is optional and the result
// reports Empty when nothing identifies an artist.
func (parser *Parser) Parse(page *Page) (Result, error) {
	root, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return Result{}, errs2.Permanent.Wrap(Error.Wrap(err))
	}

	var data pageData
	walk(root, &data)

	result := Result{
		Name:            cleanName(data.ogTitle),
		InstagramHandle: firstHandle(data.instagram),
		Styles:          parser.matchStyles(&data),
		Rating:          parseRating(data.rating),
		Images:          parser.collectImages(&data),
	}
	if result.Name == "" {
		result.Name = cleanName(data.h1)
	}

	if result.Name == "" && result.InstagramHandle == "" {
		return Result{Empty: true}, nil
	}
	if result.Name == "" {
		result.Name = result.InstagramHandle
	}
	return result, nil
}

func walk(node *html.Node, data *pageData) {
	switch node.Type {
	case html.ElementNode:
		switch node.Data {
		case "meta":
			prop := attr(node, "property")
			if prop == "" {
				prop = attr(node, "name")
			}
			content := attr(node, "content")
			switch {
			case prop == "og:title":
				data.ogTitle = content
			case prop == "og:image" && content != "":
				data.ogImages = append(data.ogImages, content)
			case prop == "keywords" && content != "":
				data.keywords = append(data.keywords, strings.Split(content, ",")...)
			case attr(node, "itemprop") == "ratingValue" && content != "":
				data.rating = content
			}
		case "h1":
			if data.h1 == "" {
				data.h1 = textOf(node)
			}
		case "a":
			href := attr(node, "href")
			if strings.Contains(href, "instagram.com/") {
				data.instagram = append(data.instagram, href)
			}
		case "img":
			src := attr(node, "src")
			if src == "" {
				src = attr(node, "data-src")
			}
			if src != "" && looksLikePortfolio(node) {
				data.gallery = append(data.gallery, imageCandidate{
					src:    src,
					thumb:  srcsetSmallest(attr(node, "srcset")),
					alt:    strings.TrimSpace(attr(node, "alt")),
					width:  atoiAttr(node, "width"),
					height: atoiAttr(node, "height"),
				})
			}
		case "script", "style", "noscript":
			return
		}
		if attr(node, "itemprop") == "ratingValue" && data.rating == "" {
			if content := attr(node, "content"); content != "" {
				data.rating = content
			} else {
				data.rating = strings.TrimSpace(textOf(node))
			}
		}
	case html.TextNode:
		data.text.WriteString(node.Data)
		data.text.WriteByte(' ')
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walk(child, data)
	}
}

func attr(node *html.Node, name string) string {
	for _, a := range node.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textOf(node *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(node)
	return strings.TrimSpace(b.String())
}

// looksLikePortfolio decides whether an img belongs to the artist's
// work gallery rather than page chrome.
func looksLikePortfolio(node *html.Node) bool {
	hints := strings.ToLower(attr(node, "class") + " " + attr(node, "id") + " " + attr(node, "alt"))
	for _, hint := range []string{"gallery", "portfolio", "work", "tattoo"} {
		if strings.Contains(hints, hint) {
			return true
		}
	}
	parent := node.Parent
	for depth := 0; parent != nil && depth < 3; depth++ {
		hints := strings.ToLower(attr(parent, "class") + " " + attr(parent, "id"))
		for _, hint := range []string{"gallery", "portfolio"} {
			if strings.Contains(hints, hint) {
				return true
			}
		}
		parent = parent.Parent
	}
	return false
}

// cleanName strips the usual "Name | Studio" and "Name - Studio" title
// decorations.
func cleanName(title string) string {
	title = strings.TrimSpace(title)
	for _, sep := range []string{" | ", " – ", " - "} {
		if idx := strings.Index(title, sep); idx > 0 {
			title = title[:idx]
			break
		}
	}
	return strings.TrimSpace(title)
}

// firstHandle extracts an account name from instagram profile links,
// skipping post and explore urls.
func firstHandle(links []string) string {
	for _, link := range links {
		rest := link[strings.Index(link, "instagram.com/")+len("instagram.com/"):]
		rest = strings.TrimPrefix(rest, "@")
		if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
			if notProfile(rest[:idx]) {
				continue
			}
			rest = rest[:idx]
		}
		if rest == "" || notProfile(rest) {
			continue
		}
		return strings.ToLower(rest)
	}
	return ""
}

func notProfile(segment string) bool {
	switch strings.ToLower(segment) {
	case "p", "reel", "reels", "explore", "stories", "accounts", "share":
		return true
	}
	return false
}

// matchStyles scans the page for known style names and aliases.
func (parser *Parser) matchStyles(data *pageData) []string {
	return parser.stylesInText(data.text.String() + " " + strings.Join(data.keywords, " "))
}

// stylesInText returns the canonical styles whose name or alias occurs
// in text. Word boundaries are approximated by normalizing separators,
// which keeps "fine line" and "fine-line" equivalent without pulling
// in a tokenizer.
func (parser *Parser) stylesInText(text string) []string {
	padded := " " + normalizeText(text) + " "

	var found []string
	for _, style := range parser.registry.All() {
		for _, name := range parser.registry.Expand(style) {
			if strings.Contains(padded, " "+normalizeText(name)+" ") {
				found = append(found, style)
				break
			}
		}
	}
	return parser.registry.Canonicalize(found)
}

// normalizeText lowercases and folds separator punctuation to single
// spaces so style names match their hyphenated and underscored forms.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			space = false
		case r == '&':
			if !space {
				b.WriteByte(' ')
			}
			b.WriteString("and")
			b.WriteByte(' ')
			space = true
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func parseRating(raw string) float64 {
	if raw == "" {
		return 0
	}
	rating, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || rating < 0 {
		return 0
	}
	if rating > 5 {
		return 5
	}
	return rating
}

// collectImages merges the og:image headline with gallery images,
// dropping duplicates and capping the set.
func (parser *Parser) collectImages(data *pageData) []catalog.PortfolioImage {
	seen := make(map[string]struct{})
	usedIDs := make(map[string]struct{})
	var images []catalog.PortfolioImage
	add := func(candidate imageCandidate) {
		url := strings.TrimSpace(candidate.src)
		if url == "" || len(images) >= parser.maxImages {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}

		id := imageID(url)
		for n := 2; ; n++ {
			if _, taken := usedIDs[id]; !taken {
				break
			}
			id = imageID(url) + "-" + strconv.Itoa(n)
		}
		usedIDs[id] = struct{}{}

		image := catalog.PortfolioImage{
			ImageID:  id,
			URL:      url,
			ThumbURL: candidate.thumb,
			AltText:  candidate.alt,
			Width:    candidate.width,
			Height:   candidate.height,
			Position: len(images),
		}
		if candidate.alt != "" {
			image.Styles = parser.stylesInText(candidate.alt)
		}
		images = append(images, image)
	}
	for _, url := range data.ogImages {
		add(imageCandidate{src: url})
	}
	for _, candidate := range data.gallery {
		add(candidate)
	}
	return images
}

// srcsetSmallest picks the narrowest candidate of a srcset attribute,
// which is the closest thing to a thumbnail most galleries expose.
func srcsetSmallest(srcset string) string {
	var best string
	bestWidth := 0
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		width := 0
		if len(fields) > 1 {
			if w, err := strconv.Atoi(strings.TrimSuffix(fields[1], "w")); err == nil {
				width = w
			}
		}
		if best == "" || (width > 0 && (bestWidth == 0 || width < bestWidth)) {
			best = fields[0]
			bestWidth = width
		}
	}
	return best
}

func atoiAttr(node *html.Node, name string) int {
	n, err := strconv.Atoi(attr(node, name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// imageID derives a stable id from the image url so rescrapes of an
// unchanged gallery keep their ids.
func imageID(url string) string {
	base := url
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 && idx+1 < len(base) {
		base = base[idx+1:]
	}
	if idx := strings.IndexAny(base, "?#"); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.LastIndexByte(base, '.'); idx > 0 {
		base = base[:idx]
	}
	if base == "" {
		return url
	}
	return base
}
