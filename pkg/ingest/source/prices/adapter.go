// Package prices is the daily OHLCV bar source. Bars are stored per month and indexed by
// ticker.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// Name is the adapters.<name> key this package reads its configuration from.
const Name = "prices"

// Properties holds the adapter-specific settings under adapters.prices.properties.
type Properties struct {
	Table    string `mapstructure:"table"`
	Adjusted bool   `mapstructure:"adjusted"`
}

// Validate checks the decoded properties.
func (p Properties) Validate() error {
	if p.Table == "" {
		return fmt.Errorf("prices: table must not be empty")
	}
	return nil
}

type barsResponse struct {
	Bars []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"bars"`
}

// Adapter fetches bars from GET {base_url}/prices/{ticker}?from&to.
type Adapter struct {
	name   string
	client *source.HTTPClient
	table  *store.Table[model.PriceBar]
	props  Properties
	now    func() time.Time
}

// New creates the adapter from its configuration block.
func New(name string, ac config.AdapterConfig, httpCfg config.HTTPConfig, st *store.Store) (*Adapter, error) {
	if err := source.ValidateBaseURL(name, ac); err != nil {
		return nil, err
	}
	props := Properties{Table: "daily_bars"}
	if err := source.DecodeProperties(ac.Properties, &props); err != nil {
		return nil, fmt.Errorf("adapter '%s': %w", name, err)
	}
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		name:   name,
		client: source.NewHTTPClient(name, httpCfg, ac),
		table:  store.NewTable[model.PriceBar](st, name, props.Table, store.Monthly, true),
		props:  props,
		now:    time.Now,
	}, nil
}

func (a *Adapter) Metadata() source.Metadata {
	return source.Metadata{
		Name:               a.name,
		Category:           model.GapTypePrices,
		Table:              a.props.Table,
		SupportsHistorical: true,
		EntityIndexed:      true,
		PartitionUnit:      store.Monthly,
	}
}

func (a *Adapter) Fetch(ctx context.Context, p source.FetchParams) (source.Raw, error) {
	q := url.Values{}
	q.Set("from", model.FormatDate(p.From))
	q.Set("to", model.FormatDate(p.To))
	if a.props.Adjusted {
		q.Set("adjusted", "true")
	}
	body, err := a.client.GetJSON(ctx, "/prices/"+url.PathEscape(p.EntityKey), q)
	if err != nil {
		return nil, err
	}
	if err := source.CheckEnvelope(a.name+".fetch", body); err != nil {
		return nil, err
	}
	return body, nil
}

// Normalize decodes bars. Rows with an unparsable date are dropped with a warning.
func (a *Adapter) Normalize(raw source.Raw, p source.FetchParams) ([]model.Record, error) {
	var resp barsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, exception.NewIngestError(a.name+".normalize", "malformed bars payload", err, false, false)
	}
	fetchedAt := a.now().UTC().UnixMilli()
	out := make([]model.Record, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		d, err := model.ParseDate(b.Date)
		if err != nil {
			logger.Warnf("Source '%s': dropping bar of '%s' with bad date '%s'.", a.name, p.EntityKey, b.Date)
			continue
		}
		out = append(out, model.PriceBar{
			Ticker:    p.EntityKey,
			Date:      model.FormatDate(d),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Source:    a.name,
			FetchedAt: fetchedAt,
		})
	}
	return out, nil
}

func (a *Adapter) Sink(ctx context.Context, records []model.Record) (store.SinkResult, error) {
	return a.table.SinkRecords(ctx, records)
}

func (a *Adapter) Reader() store.Reader { return a.table }

// Register adds the adapter to reg when adapters.prices is enabled.
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

// Module registers the prices source.
var Module = fx.Options(fx.Invoke(Register))

var _ source.Adapter = (*Adapter)(nil)
