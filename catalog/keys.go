// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"fmt"
	"hash/fnv"
	"strings"

	"inkdex.io/inkdex/private/kvstore"
)

// StyleShards is the number of write shards a style listing is spread
// over. Listing queries fan out over all of them and merge.
const StyleShards = 10

// Key space layout. Values carry the identifiers; composite keys are
// write targets and scan ranges, never parsed back into fields.
//
//	record/<PK>/<SK>                          canonical records
//	gsi1/STYLE#<s>#SHARD#<nn>/GEOHASH#<g>#ARTIST#<id>   style+geo listing
//	gsi2/ARTISTNAME#<lower>/ARTIST#<id>       name lookup
//	gsi3/INSTAGRAM#<handle>/META              handle uniqueness
//	changelog/<shard>/<seq>                   ordered change log
//	cursor/<consumer>/<shard>                 consumer positions
//	dead/changelog/<shard>/<seq>              poisoned change events
//	optout/<PK>                               tombstone markers
//	meta/changelog-seq/<shard>                per-shard sequence counter
const (
	recordPrefix    = "record/"
	gsi1Prefix      = "gsi1/"
	gsi2Prefix      = "gsi2/"
	gsi3Prefix      = "gsi3/"
	changelogPrefix = "changelog/"
	cursorPrefix    = "cursor/"
	deadPrefix      = "dead/changelog/"
	optoutPrefix    = "optout/"
	seqPrefix       = "meta/changelog-seq/"
)

const (
	metaSK = "META"
)

func artistPK(artistID string) string { return "ARTIST#" + artistID }
func studioPK(studioID string) string { return "STUDIO#" + studioID }

func recordKey(pk, sk string) kvstore.Key {
	return kvstore.Key(recordPrefix + pk + "/" + sk)
}

func artistMetaKey(artistID string) kvstore.Key {
	return recordKey(artistPK(artistID), metaSK)
}

func studioMetaKey(studioID string) kvstore.Key {
	return recordKey(studioPK(studioID), metaSK)
}

func imageKey(artistID, imageID string) kvstore.Key {
	return recordKey(artistPK(artistID), "IMAGE#"+imageID)
}

func imagePrefix(artistID string) kvstore.Key {
	return kvstore.Key(recordPrefix + artistPK(artistID) + "/IMAGE#")
}

// styleShard assigns an artist to one of the StyleShards write shards.
// The assignment only depends on the artist id, so rewrites of the
// same artist always land on the same shard.
func styleShard(artistID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(artistID))
	return int(h.Sum32() % StyleShards)
}

func gsi1Key(style string, shard int, geohash, artistID string) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%sSTYLE#%s#SHARD#%02d/GEOHASH#%s#ARTIST#%s",
		gsi1Prefix, style, shard, geohash, artistID))
}

// gsi1ShardPrefix is the scan range of one style shard, optionally
// narrowed to a geohash prefix.
func gsi1ShardPrefix(style string, shard int, geohashPrefix string) kvstore.Key {
	p := fmt.Sprintf("%sSTYLE#%s#SHARD#%02d/GEOHASH#%s", gsi1Prefix, style, shard, geohashPrefix)
	return kvstore.Key(p)
}

func gsi2Key(name, artistID string) kvstore.Key {
	return kvstore.Key(gsi2Prefix + "ARTISTNAME#" + strings.ToLower(name) + "/ARTIST#" + artistID)
}

func gsi2NamePrefix(namePrefix string) kvstore.Key {
	return kvstore.Key(gsi2Prefix + "ARTISTNAME#" + strings.ToLower(namePrefix))
}

func gsi3Key(handle string) kvstore.Key {
	return kvstore.Key(gsi3Prefix + "INSTAGRAM#" + strings.ToLower(handle) + "/" + metaSK)
}

func changelogKey(shard int, seq uint64) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%d/%020d", changelogPrefix, shard, seq))
}

func changelogShardPrefix(shard int) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%d/", changelogPrefix, shard))
}

func seqKey(shard int) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%d", seqPrefix, shard))
}

func cursorKey(consumer string, shard int) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%s/%d", cursorPrefix, consumer, shard))
}

func deadKey(shard int, seq uint64) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%d/%020d", deadPrefix, shard, seq))
}

func deadShardPrefix(shard int) kvstore.Key {
	return kvstore.Key(fmt.Sprintf("%s%d/", deadPrefix, shard))
}

func optoutKey(pk string) kvstore.Key {
	return kvstore.Key(optoutPrefix + pk)
}

func takedownKey(requestID string) kvstore.Key {
	return kvstore.Key("takedown/" + requestID)
}

const takedownScanPrefix = "takedown/"

func runReportKey(runID string) kvstore.Key {
	return kvstore.Key("runreport/" + runID)
}

const runReportScanPrefix = "runreport/"

// changelogShard picks the change log shard of a partition key. All
// events of one PK share a shard, which preserves their relative
// order for consumers.
func changelogShard(pk string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pk))
	return int(h.Sum32() % uint32(shards))
}
