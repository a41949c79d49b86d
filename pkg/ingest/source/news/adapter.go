// Package news is the topic-keyed article source. Articles are partitioned by
// publication day; topics are not indexed, so per-topic reads filter day partitions.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const Name = "news"

const maxPageSize = 100

// Properties holds the adapter-specific settings under adapters.news.properties.
type Properties struct {
	Table    string `mapstructure:"table"`
	PageSize int    `mapstructure:"page_size"`
	Language string `mapstructure:"language"`
}

// Validate checks the decoded properties.
func (p Properties) Validate() error {
	if p.Table == "" {
		return fmt.Errorf("news: table must not be empty")
	}
	if p.PageSize < 1 || p.PageSize > maxPageSize {
		return fmt.Errorf("news: page_size must be between 1 and %d, got %d", maxPageSize, p.PageSize)
	}
	return nil
}

type articlesResponse struct {
	Articles []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Adapter fetches GET {base_url}/articles?q&from&to&pageSize.
type Adapter struct {
	name   string
	client *source.HTTPClient
	table  *store.Table[model.NewsDocument]
	props  Properties
	now    func() time.Time
}

// New creates the adapter from its configuration block.
func New(name string, ac config.AdapterConfig, httpCfg config.HTTPConfig, st *store.Store) (*Adapter, error) {
	if err := source.ValidateBaseURL(name, ac); err != nil {
		return nil, err
	}
	props := Properties{Table: "articles", PageSize: maxPageSize}
	if err := source.DecodeProperties(ac.Properties, &props); err != nil {
		return nil, fmt.Errorf("adapter '%s': %w", name, err)
	}
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		name:   name,
		client: source.NewHTTPClient(name, httpCfg, ac),
		table:  store.NewTable[model.NewsDocument](st, name, props.Table, store.Daily, false),
		props:  props,
		now:    time.Now,
	}, nil
}

func (a *Adapter) Metadata() source.Metadata {
	return source.Metadata{
		Name:               a.name,
		Category:           model.GapTypeNews,
		Table:              a.props.Table,
		SupportsHistorical: true,
		EntityIndexed:      false,
		PartitionUnit:      store.Daily,
	}
}

// Fetch requests one page of articles. For a single-day request the page is capped at
// MaxPerUnit.
func (a *Adapter) Fetch(ctx context.Context, p source.FetchParams) (source.Raw, error) {
	pageSize := a.props.PageSize
	if p.MaxPerUnit > 0 && p.MaxPerUnit < pageSize && p.From.Equal(p.To) {
		pageSize = p.MaxPerUnit
	}
	q := url.Values{}
	q.Set("q", p.EntityKey)
	q.Set("from", model.FormatDate(p.From))
	q.Set("to", model.FormatDate(p.To))
	q.Set("pageSize", strconv.Itoa(pageSize))
	if a.props.Language != "" {
		q.Set("language", a.props.Language)
	}
	body, err := a.client.GetJSON(ctx, "/articles", q)
	if err != nil {
		return nil, err
	}
	if err := source.CheckEnvelope(a.name+".fetch", body); err != nil {
		return nil, err
	}
	return body, nil
}

// Normalize converts articles into documents keyed by URL hash. Articles without a URL or
// with an unparsable publication time are dropped.
func (a *Adapter) Normalize(raw source.Raw, p source.FetchParams) ([]model.Record, error) {
	var resp articlesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, exception.NewIngestError(a.name+".normalize", "malformed articles payload", err, false, false)
	}
	fetchedAt := a.now()
	out := make([]model.Record, 0, len(resp.Articles))
	seen := make(map[string]struct{}, len(resp.Articles))
	for _, art := range resp.Articles {
		link := strings.TrimSpace(art.URL)
		if link == "" {
			continue
		}
		published, err := time.Parse(time.RFC3339, art.PublishedAt)
		if err != nil {
			logger.Warnf("Source '%s': dropping article '%s' with bad publishedAt '%s'.", a.name, link, art.PublishedAt)
			continue
		}
		doc := model.NewNewsDocument(p.EntityKey, link, art.Title, art.Description, art.Source.Name, published, fetchedAt, a.name)
		if _, dup := seen[doc.ID]; dup {
			continue
		}
		seen[doc.ID] = struct{}{}
		out = append(out, doc)
	}
	return out, nil
}

func (a *Adapter) Sink(ctx context.Context, records []model.Record) (store.SinkResult, error) {
	return a.table.SinkRecords(ctx, records)
}

func (a *Adapter) Reader() store.Reader { return a.table }

// Register adds the adapter to reg when adapters.news is enabled.
func Register(reg *source.Registry, st *store.Store, cfg *config.Config) error {
	ac, ok := cfg.Ingest.Adapters[Name]
	if !ok || !ac.Enabled {
		logger.Debugf("Source '%s' is not enabled.", Name)
		return nil
	}
	a, err := New(Name, ac, cfg.Ingest.HTTP, st)
	if err != nil {
		return err
	}
	return reg.Register(a)
}

// Module registers the news source.
var Module = fx.Options(fx.Invoke(Register))

var _ source.Adapter = (*Adapter)(nil)
