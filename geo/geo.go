// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package geo maps locations to the geohashes stored on catalog
// records and used for query filtering.
package geo

import (
	_ "embed"
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"
	"github.com/zeebo/errs"
)

const (
	// RecordPrecision is the geohash length stored on records,
	// roughly a city block.
	RecordPrecision = 8

	// QueryPrecision is the geohash prefix length used for filtering,
	// roughly a few kilometers.
	QueryPrecision = 5
)

var (
	// Error is the default geo error class.
	Error = errs.Class("geo")

	// ErrUnknownPostcode is returned when a postcode has no known
	// location.
	ErrUnknownPostcode = errs.Class("unknown postcode")
)

//go:embed postcodes.csv
var postcodesCSV string

// EncodeLatLng returns the full-precision geohash for a coordinate.
func EncodeLatLng(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, RecordPrecision)
}

// PostcodeIndex resolves postcodes to geohash prefixes through their
// outward code.
type PostcodeIndex struct {
	outward map[string]coordinate
}

type coordinate struct {
	lat, lng float64
}

// NewPostcodeIndex loads the built-in outward code table, merged with
// an optional override CSV of outward,lat,lng rows.
func NewPostcodeIndex(overridePath string) (*PostcodeIndex, error) {
	index := &PostcodeIndex{outward: make(map[string]coordinate)}

	if err := index.load(postcodesCSV); err != nil {
		return nil, err
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if err := index.load(string(data)); err != nil {
			return nil, err
		}
	}
	return index, nil
}

func (index *PostcodeIndex) load(data string) error {
	reader := csv.NewReader(strings.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return Error.Wrap(err)
	}

	for i, record := range records {
		if i == 0 && strings.EqualFold(record[0], "outward") {
			continue
		}
		if len(record) != 3 {
			return Error.New("invalid postcode row %d", i)
		}
		lat, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return Error.New("invalid latitude on row %d: %w", i, err)
		}
		lng, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return Error.New("invalid longitude on row %d: %w", i, err)
		}
		index.outward[normalizePostcode(record[0])] = coordinate{lat: lat, lng: lng}
	}
	return nil
}

// GeohashPrefix returns the query-precision geohash prefix for a
// postcode, full or outward-only.
func (index *PostcodeIndex) GeohashPrefix(postcode string) (string, error) {
	normalized := normalizePostcode(postcode)
	if normalized == "" {
		return "", ErrUnknownPostcode.New("empty postcode")
	}

	if coord, ok := index.outward[normalized]; ok {
		return geohash.EncodeWithPrecision(coord.lat, coord.lng, QueryPrecision), nil
	}

	// full postcodes end with a three character inward part
	if len(normalized) > 3 {
		outward := normalized[:len(normalized)-3]
		if coord, ok := index.outward[outward]; ok {
			return geohash.EncodeWithPrecision(coord.lat, coord.lng, QueryPrecision), nil
		}
	}

	return "", ErrUnknownPostcode.New("%q", postcode)
}

// LatLng returns the coordinate for a postcode, for stamping studio
// records during discovery.
func (index *PostcodeIndex) LatLng(postcode string) (lat, lng float64, err error) {
	normalized := normalizePostcode(postcode)
	if coord, ok := index.outward[normalized]; ok {
		return coord.lat, coord.lng, nil
	}
	if len(normalized) > 3 {
		if coord, ok := index.outward[normalized[:len(normalized)-3]]; ok {
			return coord.lat, coord.lng, nil
		}
	}
	return 0, 0, ErrUnknownPostcode.New("%q", postcode)
}

func normalizePostcode(postcode string) string {
	return strings.ToUpper(strings.Join(strings.Fields(postcode), ""))
}
