// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"time"
)

// Studio is a tattoo studio record. Source tags where the studio was
// discovered, such as the directory page or the seed file.
type Studio struct {
	StudioID        string    `json:"studio_id"`
	Name            string    `json:"name"`
	Website         string    `json:"website,omitempty"`
	City            string    `json:"city"`
	Postcode        string    `json:"postcode,omitempty"`
	Geohash         string    `json:"geohash,omitempty"`
	Source          string    `json:"source,omitempty"`
	OptedOut        bool      `json:"opted_out,omitempty"`
	LastScrapeRunID string    `json:"last_scrape_run_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Artist is the metadata record of a tattoo artist. Version increases
// by one on every successful write and is echoed into the search
// index as the external document version.
type Artist struct {
	ArtistID        string    `json:"artist_id"`
	StudioID        string    `json:"studio_id"`
	Name            string    `json:"name"`
	InstagramHandle string    `json:"instagram_handle,omitempty"`
	Styles          []string  `json:"styles,omitempty"`
	City            string    `json:"city,omitempty"`
	Geohash         string    `json:"geohash,omitempty"`
	Rating          float64   `json:"rating,omitempty"`
	PortfolioURL    string    `json:"portfolio_url,omitempty"`
	Version         uint64    `json:"version"`
	OptedOut        bool      `json:"opted_out,omitempty"`
	LastScrapedAt   time.Time `json:"last_scraped_at,omitempty"`
	LastScrapeRunID string    `json:"last_scrape_run_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PortfolioImage is a single portfolio image of an artist. Styles
// holds the style tags detected on the image itself, as opposed to the
// artist-level tags detected across the whole page.
type PortfolioImage struct {
	ImageID    string    `json:"image_id"`
	ArtistID   string    `json:"artist_id"`
	URL        string    `json:"url"`
	ThumbURL   string    `json:"thumb_url,omitempty"`
	AltText    string    `json:"alt_text,omitempty"`
	Styles     []string  `json:"styles,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Position   int       `json:"position"`
	IngestedAt time.Time `json:"ingested_at,omitempty"`
}

// SubjectType names what a takedown request applies to.
type SubjectType string

// Takedown subject types.
const (
	SubjectArtist SubjectType = "artist"
	SubjectStudio SubjectType = "studio"
)

// TakedownStatus is the processing state of a takedown request.
type TakedownStatus string

// Takedown statuses.
const (
	TakedownReceived  TakedownStatus = "received"
	TakedownCompleted TakedownStatus = "completed"
)

// TakedownRequest records a request to remove a subject from all read
// paths.
type TakedownRequest struct {
	RequestID    string         `json:"request_id"`
	SubjectType  SubjectType    `json:"subject_type"`
	SubjectID    string         `json:"subject_id"`
	Reason       string         `json:"reason,omitempty"`
	ContactEmail string         `json:"contact_email,omitempty"`
	Status       TakedownStatus `json:"status"`
	ReceivedAt   time.Time      `json:"received_at"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
}

// RunOutcome is the final outcome of a crawl run.
type RunOutcome string

// Run outcomes.
const (
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
)

// StageTiming records how long a single orchestration stage took.
type StageTiming struct {
	Stage     string        `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunReport summarizes one crawl run.
type RunReport struct {
	ScrapeRunID     string        `json:"scrape_run_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Stages          []StageTiming `json:"stages"`
	Studios         int           `json:"studios"`
	ArtistsQueued   int           `json:"artists_queued"`
	EnqueueFailures int           `json:"enqueue_failures,omitempty"`
	Succeeded       int           `json:"succeeded"`
	Empty           int           `json:"empty"`
	DeadLettered    int           `json:"dead_lettered"`
	Outstanding     int           `json:"outstanding,omitempty"`
	Outcome         RunOutcome    `json:"outcome"`
	Failure         string        `json:"failure,omitempty"`
}

// ArtistPage is one page of a style and geo listing.
type ArtistPage struct {
	Artists    []Artist
	NextCursor string
}
