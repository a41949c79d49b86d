package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// DateLayout is the calendar-day layout used for partition keys and record dates.
const DateLayout = "2006-01-02"

// Record is a normalized row produced by an adapter. Records are never mutated once sunk;
// a newer row with the same natural id supersedes the older one.
type Record interface {
	// NaturalID is a deterministic identifier derived from stable fields of the record.
	NaturalID() string
	// EntityKey is the ticker, macro series or topic the record belongs to.
	EntityKey() string
	// PartitionDate is the calendar day (YYYY-MM-DD) the record is stored under.
	PartitionDate() string
	// FetchedAtMillis is the fetch time in Unix milliseconds; later fetches win on dedup.
	FetchedAtMillis() int64
}

// PriceBar is a daily OHLCV bar for one ticker.
type PriceBar struct {
	Ticker    string  `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"ticker"`
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8" json:"date"`
	Open      float64 `parquet:"name=open, type=DOUBLE" json:"open"`
	High      float64 `parquet:"name=high, type=DOUBLE" json:"high"`
	Low       float64 `parquet:"name=low, type=DOUBLE" json:"low"`
	Close     float64 `parquet:"name=close, type=DOUBLE" json:"close"`
	Volume    int64   `parquet:"name=volume, type=INT64" json:"volume"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"source"`
	FetchedAt int64   `parquet:"name=fetched_at, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"fetched_at"`
}

func (b PriceBar) NaturalID() string      { return CompositeID(b.Ticker, b.Date) }
func (b PriceBar) EntityKey() string      { return b.Ticker }
func (b PriceBar) PartitionDate() string  { return b.Date }
func (b PriceBar) FetchedAtMillis() int64 { return b.FetchedAt }

// MacroObservation is one observation of a macro-economic series.
type MacroObservation struct {
	SeriesID  string  `parquet:"name=series_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"series_id"`
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8" json:"date"`
	Value     float64 `parquet:"name=value, type=DOUBLE" json:"value"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"source"`
	FetchedAt int64   `parquet:"name=fetched_at, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"fetched_at"`
}

func (o MacroObservation) NaturalID() string      { return CompositeID(o.SeriesID, o.Date) }
func (o MacroObservation) EntityKey() string      { return o.SeriesID }
func (o MacroObservation) PartitionDate() string  { return o.Date }
func (o MacroObservation) FetchedAtMillis() int64 { return o.FetchedAt }

// NewsDocument is a news article attributed to a topic.
type NewsDocument struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8" json:"id"`
	Topic       string `parquet:"name=topic, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"topic"`
	URL         string `parquet:"name=url, type=BYTE_ARRAY, convertedtype=UTF8" json:"url"`
	Title       string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8" json:"title"`
	Summary     string `parquet:"name=summary, type=BYTE_ARRAY, convertedtype=UTF8" json:"summary"`
	Publisher   string `parquet:"name=publisher, type=BYTE_ARRAY, convertedtype=UTF8" json:"publisher"`
	PublishedAt int64  `parquet:"name=published_at, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"published_at"`
	Date        string `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8" json:"date"`
	Source      string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"source"`
	FetchedAt   int64  `parquet:"name=fetched_at, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"fetched_at"`
}

// NaturalID scopes the URL hash to the topic, so one article filed under several topics
// keeps a row per topic in the shared date partition. An empty ID falls back to hashing
// the URL.
func (d NewsDocument) NaturalID() string {
	id := d.ID
	if id == "" {
		id = NewsID(d.URL)
	}
	return strings.ToLower(d.Topic) + "|" + id
}
func (d NewsDocument) EntityKey() string      { return d.Topic }
func (d NewsDocument) PartitionDate() string  { return d.Date }
func (d NewsDocument) FetchedAtMillis() int64 { return d.FetchedAt }

// NewNewsDocument builds a NewsDocument with its natural id and partition date derived
// from the URL and publication time.
func NewNewsDocument(topic, rawURL, title, summary, publisher string, publishedAt, fetchedAt time.Time, source string) NewsDocument {
	return NewsDocument{
		ID:          NewsID(rawURL),
		Topic:       topic,
		URL:         rawURL,
		Title:       title,
		Summary:     summary,
		Publisher:   publisher,
		PublishedAt: publishedAt.UTC().UnixMilli(),
		Date:        publishedAt.UTC().Format(DateLayout),
		Source:      source,
		FetchedAt:   fetchedAt.UTC().UnixMilli(),
	}
}

// CompositeID joins an entity key and a date into a natural id.
func CompositeID(entityKey, date string) string {
	return strings.ToUpper(entityKey) + "|" + date
}

// NewsID hashes a normalized URL. Scheme and host are lower-cased, fragments and
// trailing slashes are dropped, so trivially different spellings of a link collide.
func NewsID(rawURL string) string {
	normalized := strings.TrimSpace(rawURL)
	if u, err := url.Parse(normalized); err == nil && u.Host != "" {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		u.Path = strings.TrimRight(u.Path, "/")
		normalized = u.String()
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ParseDate parses a YYYY-MM-DD string as a UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate formats t as YYYY-MM-DD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
