// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package elasticindex implements the artist search index on
// elasticsearch 7 with externally versioned documents.
package elasticindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	elastic "github.com/olivere/elastic/v7"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/searchindex"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("elasticindex")
)

// Config holds elasticsearch configuration.
type Config struct {
	URL            string        `help:"elasticsearch endpoint" default:"http://localhost:9200"`
	Index          string        `help:"name of the artist document index" default:"artists"`
	Username       string        `help:"basic auth username, empty disables auth" default:""`
	PasswordFile   string        `help:"file holding the basic auth password, re-read on auth failures" default:""`
	RequestTimeout time.Duration `help:"timeout of a single request" default:"10s" testDefault:"2s"`
}

// artistMapping is the explicit schema of the artist index. City uses
// a lowercase normalizer so term filters are case insensitive, and
// style_names is analyzed text so alias expansions match free text.
const artistMapping = `{
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 1,
		"analysis": {
			"normalizer": {
				"folded": {"type": "custom", "filter": ["lowercase"]}
			}
		}
	},
	"mappings": {
		"properties": {
			"artist_id":        {"type": "keyword"},
			"name":             {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
			"instagram_handle": {"type": "keyword"},
			"styles":           {"type": "keyword"},
			"style_names":      {"type": "text"},
			"city":             {"type": "keyword", "normalizer": "folded"},
			"geohash":          {"type": "keyword"},
			"rating":           {"type": "float"},
			"image_urls":       {"type": "keyword", "index": false},
			"version":          {"type": "long"},
			"updated_at":       {"type": "date"}
		}
	}
}`

// Client implements searchindex.Index on elasticsearch.
type Client struct {
	log    *zap.Logger
	config Config

	mu     sync.Mutex
	client *elastic.Client
}

// New connects to elasticsearch and returns the index client.
func New(log *zap.Logger, config Config) (*Client, error) {
	client := &Client{
		log:    log,
		config: config,
	}
	conn, err := client.connect()
	if err != nil {
		return nil, err
	}
	client.client = conn
	return client, nil
}

// connect builds a fresh elasticsearch connection, reading the
// password file so rotated credentials are picked up.
func (client *Client) connect() (*elastic.Client, error) {
	options := []elastic.ClientOptionFunc{
		elastic.SetURL(client.config.URL),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
		elastic.SetHttpClient(&http.Client{Timeout: client.config.RequestTimeout}),
	}
	if client.config.Username != "" {
		password, err := client.readPassword()
		if err != nil {
			return nil, err
		}
		options = append(options, elastic.SetBasicAuth(client.config.Username, password))
	}
	conn, err := elastic.NewClient(options...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return conn, nil
}

func (client *Client) readPassword() (string, error) {
	if client.config.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(client.config.PasswordFile)
	if err != nil {
		return "", Error.New("unable to read password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (client *Client) conn() *elastic.Client {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.client
}

// reconnect rebuilds the connection with freshly read credentials.
func (client *Client) reconnect() error {
	conn, err := client.connect()
	if err != nil {
		return err
	}
	client.mu.Lock()
	client.client = conn
	client.mu.Unlock()
	return nil
}

// withAuthRetry runs op and, when it fails with an auth status,
// re-reads the credentials, reconnects once and tries again.
func (client *Client) withAuthRetry(ctx context.Context, op func(conn *elastic.Client) error) error {
	err := op(client.conn())
	if !isAuthError(err) {
		return err
	}
	mon.Counter("elastic_credential_reload").Inc(1)
	client.log.Info("auth failure from elasticsearch, reloading credentials")
	if rerr := client.reconnect(); rerr != nil {
		return errs.Combine(err, rerr)
	}
	return op(client.conn())
}

func isAuthError(err error) bool {
	return err != nil &&
		(elastic.IsStatusCode(err, http.StatusUnauthorized) || elastic.IsStatusCode(err, http.StatusForbidden))
}

// EnsureSchema creates the artist index with its mapping when it does
// not exist yet.
func (client *Client) EnsureSchema(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.withAuthRetry(ctx, func(conn *elastic.Client) error {
		exists, err := conn.IndexExists(client.config.Index).Do(ctx)
		if err != nil {
			return classify(err)
		}
		if exists {
			return nil
		}
		_, err = conn.CreateIndex(client.config.Index).BodyString(artistMapping).Do(ctx)
		if err != nil && !elastic.IsStatusCode(err, http.StatusBadRequest) {
			// 400 resource_already_exists races with another peer
			return classify(err)
		}
		return nil
	})
}

// Upsert writes doc with its version as the external document
// version. Stale versions fail with ErrPreconditionFailed.
func (client *Client) Upsert(ctx context.Context, doc searchindex.Document) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.withAuthRetry(ctx, func(conn *elastic.Client) error {
		_, err := conn.Index().
			Index(client.config.Index).
			Id(doc.ArtistID).
			VersionType("external").
			Version(int64(doc.Version)).
			BodyJson(doc).
			Do(ctx)
		return classify(err)
	})
}

// Delete removes the document of an artist. Deleting a missing
// document is not an error.
func (client *Client) Delete(ctx context.Context, artistID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.withAuthRetry(ctx, func(conn *elastic.Client) error {
		_, err := conn.Delete().
			Index(client.config.Index).
			Id(artistID).
			Do(ctx)
		if elastic.IsNotFound(err) {
			return nil
		}
		return classify(err)
	})
}

// Search returns one page of documents matching query, ordered by
// score and artist id, paged via search_after.
func (client *Client) Search(ctx context.Context, query searchindex.Query) (result searchindex.Result, err error) {
	defer mon.Task()(&ctx)(&err)

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	boolQuery := elastic.NewBoolQuery()
	if query.Style != "" {
		boolQuery.Filter(elastic.NewTermQuery("styles", query.Style))
	}
	if query.City != "" {
		boolQuery.Filter(elastic.NewTermQuery("city", strings.ToLower(query.City)))
	}
	if query.GeohashPrefix != "" {
		boolQuery.Filter(elastic.NewPrefixQuery("geohash", query.GeohashPrefix))
	}
	if query.MinRating > 0 {
		boolQuery.Filter(elastic.NewRangeQuery("rating").Gte(query.MinRating))
	}
	if query.Text != "" {
		boolQuery.Must(elastic.NewMultiMatchQuery(query.Text, "name^3", "style_names^2", "city"))
	}

	err = client.withAuthRetry(ctx, func(conn *elastic.Client) error {
		search := conn.Search(client.config.Index).
			Query(boolQuery).
			Size(limit).
			TrackScores(true).
			SortBy(elastic.NewScoreSort().Desc(), elastic.NewFieldSort("artist_id").Asc())

		if query.Cursor != "" {
			after, err := decodeCursor(query.Cursor)
			if err != nil {
				return err
			}
			search = search.SearchAfter(after...)
		}

		res, err := search.Do(ctx)
		if err != nil {
			return classify(err)
		}

		result = searchindex.Result{Total: res.TotalHits()}
		var lastSort []interface{}
		for _, hit := range res.Hits.Hits {
			var doc searchindex.Document
			if err := json.Unmarshal(hit.Source, &doc); err != nil {
				return Error.Wrap(err)
			}
			result.Documents = append(result.Documents, doc)
			lastSort = hit.Sort
		}
		if len(result.Documents) == limit && lastSort != nil {
			result.NextCursor = encodeCursor(lastSort)
		}
		return nil
	})
	if err != nil {
		return searchindex.Result{}, err
	}
	return result, nil
}

// Healthy reports whether elasticsearch answers.
func (client *Client) Healthy(ctx context.Context) bool {
	_, code, err := client.conn().Ping(client.config.URL).Do(ctx)
	return err == nil && code == http.StatusOK
}

// encodeCursor packs the sort values of the last hit into an opaque
// token.
func encodeCursor(sortValues []interface{}) string {
	raw, _ := json.Marshal(sortValues)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) ([]interface{}, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, searchindex.ErrInvalidQuery.New("malformed cursor: %v", err)
	}
	var values []interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, searchindex.ErrInvalidQuery.New("malformed cursor: %v", err)
	}
	return values, nil
}

// classify maps elasticsearch errors onto the error classes the
// projector and the query path branch on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if elastic.IsConflict(err) {
		return searchindex.ErrPreconditionFailed.Wrap(err)
	}
	var elasticErr *elastic.Error
	if errors.As(err, &elasticErr) {
		switch {
		case elasticErr.Status == http.StatusTooManyRequests:
			return errs2.Transient.Wrap(Error.Wrap(err))
		case elasticErr.Status >= 500:
			return errs2.Transient.Wrap(Error.Wrap(err))
		default:
			return Error.Wrap(err)
		}
	}
	if elastic.IsTimeout(err) {
		return errs2.Transient.Wrap(Error.Wrap(err))
	}
	// anything that is not an elasticsearch response is a transport
	// failure and worth retrying
	return errs2.Transient.Wrap(Error.Wrap(err))
}
