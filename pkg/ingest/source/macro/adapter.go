// Package macro is the macro-economic observation source.
package macro

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

const Name = "macro"

// missingValue marks an observation the provider has no value for.
const missingValue = "."

type Properties struct {
	Table string `mapstructure:"table"`
	// Units is passed through as the units query parameter (e.g. "lin", "pch").
	Units string `mapstructure:"units"`
}

func (p Properties) Validate() error {
	if p.Table == "" {
		return fmt.Errorf("macro: table must not be empty")
	}
	return nil
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Adapter fetches GET {base_url}/series/{id}/observations?observation_start&observation_end.
type Adapter struct {
	name   string
	client *source.HTTPClient
	table  *store.Table[model.MacroObservation]
	props  Properties
	now    func() time.Time
}

func New(name string, ac config.AdapterConfig, httpCfg config.HTTPConfig, st *store.Store) (*Adapter, error) {
	if err := source.ValidateBaseURL(name, ac); err != nil {
		return nil, err
	}
	props := Properties{Table: "observations"}
	if err := source.DecodeProperties(ac.Properties, &props); err != nil {
		return nil, fmt.Errorf("adapter '%s': %w", name, err)
	}
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		name:   name,
		client: source.NewHTTPClient(name, httpCfg, ac),
		table:  store.NewTable[model.MacroObservation](st, name, props.Table, store.Monthly, true),
		props:  props,
		now:    time.Now,
	}, nil
}

func (a *Adapter) Metadata() source.Metadata {
	return source.Metadata{
		Name:               a.name,
		Category:           model.GapTypeMacro,
		Table:              a.props.Table,
		SupportsHistorical: true,
		EntityIndexed:      true,
		PartitionUnit:      store.Monthly,
	}
}

func (a *Adapter) Fetch(ctx context.Context, p source.FetchParams) (source.Raw, error) {
	q := url.Values{}
	q.Set("observation_start", model.FormatDate(p.From))
	q.Set("observation_end", model.FormatDate(p.To))
	if a.props.Units != "" {
		q.Set("units", a.props.Units)
	}
	body, err := a.client.GetJSON(ctx, "/series/"+url.PathEscape(p.EntityKey)+"/observations", q)
	if err != nil {
		return nil, err
	}
	if err := source.CheckEnvelope(a.name+".fetch", body); err != nil {
		return nil, err
	}
	return body, nil
}

// Normalize decodes observations, skipping missing (".") and unparsable values.
func (a *Adapter) Normalize(raw source.Raw, p source.FetchParams) ([]model.Record, error) {
	var resp observationsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, exception.NewIngestError(a.name+".normalize", "malformed observations payload", err, false, false)
	}
	fetchedAt := a.now().UTC().UnixMilli()
	out := make([]model.Record, 0, len(resp.Observations))
	skipped := 0
	for _, o := range resp.Observations {
		v := strings.TrimSpace(o.Value)
		if v == missingValue || v == "" {
			skipped++
			continue
		}
		d, err := model.ParseDate(o.Date)
		if err != nil {
			skipped++
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, model.MacroObservation{
			SeriesID:  p.EntityKey,
			Date:      model.FormatDate(d),
			Value:     f,
			Source:    a.name,
			FetchedAt: fetchedAt,
		})
	}
	if skipped > 0 {
		logger.Debugf("Source '%s': skipped %d missing or malformed observations of '%s'.", a.name, skipped, p.EntityKey)
	}
	return out, nil
}

func (a *Adapter) Sink(ctx context.Context, records []model.Record) (store.SinkResult, error) {
	return a.table.SinkRecords(ctx, records)
}

func (a *Adapter) Reader() store.Reader { return a.table }

// Register adds the adapter to reg when adapters.macro is enabled.
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

var Module = fx.Options(fx.Invoke(Register))

var _ source.Adapter = (*Adapter)(nil)
