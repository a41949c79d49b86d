// Package source defines the adapter contract for external data providers and the
// Registry that drives them: bounded per-entity concurrency, delta windows from the
// store watermark, retries, and invalid-entity bookkeeping.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
)

// Metadata describes an adapter to the registry, the gap detector and the API.
type Metadata struct {
	Name               string              `json:"name"`
	Category           model.GapType       `json:"category"`
	Table              string              `json:"table"`
	SupportsHistorical bool                `json:"supports_historical"`
	EntityIndexed      bool                `json:"entity_indexed"`
	PartitionUnit      store.PartitionUnit `json:"-"`
}

// FetchParams scopes one provider request. From and To are inclusive calendar days.
type FetchParams struct {
	EntityKey  string
	From       time.Time
	To         time.Time
	MaxPerUnit int
}

// Raw is an undecoded provider payload.
type Raw []byte

// Adapter fetches, normalizes and sinks one provider's data.
type Adapter interface {
	// Metadata describes the adapter.
	Metadata() Metadata
	// Fetch retrieves the raw payload for params. Errors are classified with the exception package.
	Fetch(ctx context.Context, params FetchParams) (Raw, error)
	// Normalize decodes a payload into records.
	Normalize(raw Raw, params FetchParams) ([]model.Record, error)
	// Sink upserts records into the adapter's table.
	Sink(ctx context.Context, records []model.Record) (store.SinkResult, error)
	// Reader exposes the adapter's table for watermarks, coverage and reads.
	Reader() store.Reader
}

// DecodeProperties decodes an adapter's free-form properties into out.
func DecodeProperties(props map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(props)
}

// ValidateBaseURL checks the shared adapter settings.
func ValidateBaseURL(name string, ac config.AdapterConfig) error {
	if ac.BaseURL == "" {
		return fmt.Errorf("adapter '%s': base_url is required", name)
	}
	u, err := url.Parse(ac.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("adapter '%s': invalid base_url '%s'", name, ac.BaseURL)
	}
	if ac.APIKeyHeader != "" && ac.APIKeyParam != "" {
		return fmt.Errorf("adapter '%s': set only one of api_key_header and api_key_param", name)
	}
	return nil
}

// NormalizeEntityKey trims an entity key. Tickers and series ids are upper-cased; topics
// keep their case.
func NormalizeEntityKey(category model.GapType, key string) string {
	key = strings.TrimSpace(key)
	if category == model.GapTypeNews {
		return key
	}
	return strings.ToUpper(key)
}
