// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package styles defines the controlled vocabulary of tattoo styles
// and the aliases that resolve into it.
package styles

import (
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// ErrUnknownStyle is returned when a style is not part of the
// vocabulary.
var ErrUnknownStyle = errs.Class("unknown style")

// Difficulty grades how demanding a style is to execute well.
type Difficulty string

// Difficulty grades.
const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
)

// Style is one controlled-vocabulary entry. Everything besides the
// aliases is static reference data; ingestion consults only the
// aliases.
type Style struct {
	ID          string
	DisplayName string
	Aliases     []string
	Difficulty  Difficulty
	Popularity  int
	Tags        []string
	// Origin is the decade the style took shape in studio practice.
	Origin int
}

// vocabulary is the built-in style reference data, maintained by hand
// and versioned with the code.
var vocabulary = []Style{
	{
		ID: "traditional", DisplayName: "Traditional",
		Aliases:    []string{"trad", "american traditional", "old school"},
		Difficulty: Intermediate, Popularity: 90,
		Tags:   []string{"bold lines", "limited palette", "nautical"},
		Origin: 1900,
	},
	{
		ID: "neo-traditional", DisplayName: "Neo-Traditional",
		Aliases:    []string{"neo trad", "neotraditional"},
		Difficulty: Advanced, Popularity: 75,
		Tags:   []string{"bold lines", "decorative", "color"},
		Origin: 1980,
	},
	{
		ID: "realism", DisplayName: "Realism",
		Aliases:    []string{"realistic", "portrait", "photorealism"},
		Difficulty: Advanced, Popularity: 85,
		Tags:   []string{"shading", "portraits", "detail"},
		Origin: 1970,
	},
	{
		ID: "blackwork", DisplayName: "Blackwork",
		Aliases:    []string{"black work", "heavy blackwork"},
		Difficulty: Intermediate, Popularity: 70,
		Tags:   []string{"solid black", "negative space"},
		Origin: 2000,
	},
	{
		ID: "black-and-grey", DisplayName: "Black and Grey",
		Aliases:    []string{"black and gray", "black & grey", "bng"},
		Difficulty: Intermediate, Popularity: 80,
		Tags:   []string{"soft shading", "monochrome"},
		Origin: 1970,
	},
	{
		ID: "fine-line", DisplayName: "Fine Line",
		Aliases:    []string{"fineline", "single needle"},
		Difficulty: Advanced, Popularity: 88,
		Tags:   []string{"delicate", "minimal", "single needle"},
		Origin: 2010,
	},
	{
		ID: "japanese", DisplayName: "Japanese",
		Aliases:    []string{"irezumi", "tebori", "oriental"},
		Difficulty: Advanced, Popularity: 65,
		Tags:   []string{"mythology", "full body", "waves"},
		Origin: 1880,
	},
	{
		ID: "tribal", DisplayName: "Tribal",
		Aliases:    []string{"polynesian", "maori"},
		Difficulty: Beginner, Popularity: 40,
		Tags:   []string{"solid black", "patterns", "heritage"},
		Origin: 1980,
	},
	{
		ID: "watercolor", DisplayName: "Watercolor",
		Aliases:    []string{"watercolour", "water color"},
		Difficulty: Advanced, Popularity: 55,
		Tags:   []string{"soft edges", "color wash", "painterly"},
		Origin: 2010,
	},
	{
		ID: "geometric", DisplayName: "Geometric",
		Aliases:    []string{"geometry", "sacred geometry"},
		Difficulty: Intermediate, Popularity: 60,
		Tags:   []string{"symmetry", "lines"},
		Origin: 2010,
	},
	{
		ID: "dotwork", DisplayName: "Dotwork",
		Aliases:    []string{"dot work", "stippling"},
		Difficulty: Intermediate, Popularity: 50,
		Tags:   []string{"stippling", "texture", "mandala"},
		Origin: 2000,
	},
	{
		ID: "script", DisplayName: "Script",
		Aliases:    []string{"lettering", "calligraphy"},
		Difficulty: Beginner, Popularity: 72,
		Tags:   []string{"typography", "flow"},
		Origin: 1970,
	},
	{
		ID: "new-school", DisplayName: "New School",
		Aliases:    []string{"new school", "newschool"},
		Difficulty: Intermediate, Popularity: 45,
		Tags:   []string{"cartoon", "exaggerated", "vivid"},
		Origin: 1990,
	},
	{
		ID: "ornamental", DisplayName: "Ornamental",
		Aliases:    []string{"ornament", "mandala"},
		Difficulty: Advanced, Popularity: 58,
		Tags:   []string{"lace", "filigree", "symmetry"},
		Origin: 2000,
	},
	{
		ID: "surrealism", DisplayName: "Surrealism",
		Aliases:    []string{"surreal", "abstract"},
		Difficulty: Advanced, Popularity: 48,
		Tags:   []string{"dreamlike", "morphing forms"},
		Origin: 1990,
	},
}

// Registry resolves free-form style strings against the vocabulary.
type Registry struct {
	canonical map[string]string
	entries   map[string]Style
	all       []string
}

// NewRegistry returns a registry over the built-in vocabulary.
func NewRegistry() *Registry {
	registry := &Registry{
		canonical: make(map[string]string),
		entries:   make(map[string]Style, len(vocabulary)),
	}
	for _, style := range vocabulary {
		registry.entries[style.ID] = style
		registry.canonical[normalize(style.ID)] = style.ID
		registry.canonical[normalize(style.DisplayName)] = style.ID
		registry.all = append(registry.all, style.ID)
		for _, alias := range style.Aliases {
			registry.canonical[normalize(alias)] = style.ID
		}
	}
	sort.Strings(registry.all)
	return registry
}

// Canonical resolves name to its canonical style.
func (registry *Registry) Canonical(name string) (string, bool) {
	style, ok := registry.canonical[normalize(name)]
	return style, ok
}

// Validate resolves name to its canonical style, returning
// ErrUnknownStyle when it is not part of the vocabulary.
func (registry *Registry) Validate(name string) (string, error) {
	style, ok := registry.Canonical(name)
	if !ok {
		return "", ErrUnknownStyle.New("%q", name)
	}
	return style, nil
}

// Canonicalize resolves all names, dropping unknowns and duplicates.
// The result keeps the vocabulary order stable by sorting.
func (registry *Registry) Canonicalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		style, ok := registry.Canonical(name)
		if !ok {
			continue
		}
		if _, dup := seen[style]; dup {
			continue
		}
		seen[style] = struct{}{}
		out = append(out, style)
	}
	sort.Strings(out)
	return out
}

// Expand returns the canonical style followed by its aliases, used to
// widen text matching in the search index.
func (registry *Registry) Expand(style string) []string {
	entry, ok := registry.entries[style]
	if !ok {
		return []string{style}
	}
	return append([]string{entry.ID}, entry.Aliases...)
}

// Get returns the full vocabulary entry of a style name or any of its
// aliases.
func (registry *Registry) Get(name string) (Style, bool) {
	id, ok := registry.Canonical(name)
	if !ok {
		return Style{}, false
	}
	return registry.entries[id], true
}

// All returns the canonical styles in sorted order.
func (registry *Registry) All() []string {
	return append([]string(nil), registry.all...)
}

// Entries returns the full vocabulary sorted by style id.
func (registry *Registry) Entries() []Style {
	out := make([]Style, 0, len(registry.all))
	for _, id := range registry.all {
		out = append(out, registry.entries[id])
	}
	return out
}

// normalize lowercases and collapses separators, so "Neo-Traditional"
// and "neo traditional" resolve the same way.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer("-", " ", "_", " ", "&", "and").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}
