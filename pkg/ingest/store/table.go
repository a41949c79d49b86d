package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// exactScanMaxDays bounds the range for which daily partitions are addressed directly
// instead of listed.
const exactScanMaxDays = 31

// watermarkScanMaxPartitions bounds how far back a watermark lookup on a table without
// entity files reads. An entity absent from the newest partitions has no watermark.
const watermarkScanMaxPartitions = 400

// SinkResult reports the rows written by one upsert and the objects they touched.
type SinkResult struct {
	Count int      `json:"count"`
	Paths []string `json:"paths"`
}

// Inventory summarizes the contents of one table.
type Inventory struct {
	Source     string `json:"source"`
	Table      string `json:"table"`
	Entities   int    `json:"entities"`
	Rows       int    `json:"rows"`
	Partitions int    `json:"partitions"`
	MinDate    string `json:"min_date,omitempty"`
	MaxDate    string `json:"max_date,omitempty"`
	Skipped    int    `json:"skipped_partitions"`
}

// Reader is the type-erased read surface of a table, used by the gap detector, the
// coverage endpoint and the single-entity read path.
type Reader interface {
	// Watermark returns the latest partition date stored for entityKey.
	Watermark(ctx context.Context, entityKey string) (time.Time, bool, error)
	// DateCounts counts rows of entityKey per calendar day in [from, to].
	DateCounts(ctx context.Context, entityKey string, from, to time.Time) (map[string]int, error)
	// Inventory summarizes the table.
	Inventory(ctx context.Context) (Inventory, error)
	// EntityRecords returns the rows of entityKey in [from, to].
	EntityRecords(ctx context.Context, entityKey string, from, to time.Time) ([]model.Record, error)
}

// Table is a typed view over one {source}/{table} directory.
type Table[R model.Record] struct {
	store         *Store
	source        string
	name          string
	unit          PartitionUnit
	entityIndexed bool
}

// NewTable creates a table handle. entityIndexed tables also keep one history file per entity.
func NewTable[R model.Record](s *Store, source, name string, unit PartitionUnit, entityIndexed bool) *Table[R] {
	return &Table[R]{store: s, source: source, name: name, unit: unit, entityIndexed: entityIndexed}
}

// Name returns the table name.
func (t *Table[R]) Name() string { return t.name }

// Unit returns the partition granularity.
func (t *Table[R]) Unit() PartitionUnit { return t.unit }

// UpsertByID merges rows into their date partitions (and entity files), deduplicating by
// natural id. Rows with an unparsable date are rejected; the rest are still written.
func (t *Table[R]) UpsertByID(ctx context.Context, rows []R) (SinkResult, error) {
	var result SinkResult
	var merr *multierror.Error

	byPartition := make(map[string][]R)
	byEntity := make(map[string][]R)
	for _, row := range rows {
		key, err := PartitionKey(row.PartitionDate(), t.unit)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record %s: %w", row.NaturalID(), err))
			continue
		}
		byPartition[key] = append(byPartition[key], row)
		if t.entityIndexed {
			byEntity[row.EntityKey()] = append(byEntity[row.EntityKey()], row)
		}
		result.Count++
	}

	for _, key := range sortedKeys(byPartition) {
		path := partitionPath(t.source, t.name, key)
		if err := t.merge(ctx, path, byPartition[key]); err != nil {
			return result, multierror.Append(merr, err).ErrorOrNil()
		}
		result.Paths = append(result.Paths, path)
	}
	for _, key := range sortedKeys(byEntity) {
		path := entityPath(t.source, t.name, key)
		if err := t.merge(ctx, path, byEntity[key]); err != nil {
			return result, multierror.Append(merr, err).ErrorOrNil()
		}
		result.Paths = append(result.Paths, path)
	}
	return result, merr.ErrorOrNil()
}

// SinkRecords upserts type-erased records. Records of another type are an error.
func (t *Table[R]) SinkRecords(ctx context.Context, records []model.Record) (SinkResult, error) {
	rows := make([]R, 0, len(records))
	for _, rec := range records {
		row, ok := rec.(R)
		if !ok {
			return SinkResult{}, fmt.Errorf("table %s/%s: unexpected record type %T", t.source, t.name, rec)
		}
		rows = append(rows, row)
	}
	return t.UpsertByID(ctx, rows)
}

// merge performs read-concat-dedupe-write on one object under its path lock.
// An unreadable existing file is replaced by the incoming rows.
func (t *Table[R]) merge(ctx context.Context, path string, incoming []R) error {
	unlock := t.store.lock(path)
	defer unlock()

	existing, _, err := readFile[R](ctx, t.store, path)
	if err != nil {
		if !errors.Is(err, ErrCorruptPartition) {
			return err
		}
		logger.Warnf("Replacing unreadable partition: %v", err)
		existing = nil
	}
	return writeFile(ctx, t.store, path, dedupe(existing, incoming))
}

// dedupe keeps one row per natural id: the greatest fetched_at, incoming rows winning ties.
func dedupe[R model.Record](existing, incoming []R) []R {
	index := make(map[string]int, len(existing)+len(incoming))
	out := make([]R, 0, len(existing)+len(incoming))
	add := func(row R, winsTies bool) {
		id := row.NaturalID()
		i, seen := index[id]
		if !seen {
			index[id] = len(out)
			out = append(out, row)
			return
		}
		prev := out[i].FetchedAtMillis()
		if row.FetchedAtMillis() > prev || (winsTies && row.FetchedAtMillis() == prev) {
			out[i] = row
		}
	}
	for _, row := range existing {
		add(row, false)
	}
	for _, row := range incoming {
		add(row, true)
	}
	sortRows(out)
	return out
}

func sortRows[R model.Record](rows []R) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.PartitionDate() != b.PartitionDate() {
			return a.PartitionDate() < b.PartitionDate()
		}
		if a.EntityKey() != b.EntityKey() {
			return a.EntityKey() < b.EntityKey()
		}
		return a.NaturalID() < b.NaturalID()
	})
}

// Scan returns the rows dated in [from, to]. Unreadable partitions are skipped and
// reported in the returned *multierror.Error together with the rows that could be read.
func (t *Table[R]) Scan(ctx context.Context, from, to time.Time) ([]R, error) {
	from, to = model.TruncateDay(from), model.TruncateDay(to)
	if to.Before(from) {
		return nil, nil
	}

	var paths []string
	if t.unit == Daily && int(to.Sub(from).Hours()/24)+1 <= exactScanMaxDays {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			paths = append(paths, partitionPath(t.source, t.name, model.FormatDate(d)))
		}
		rows, found, err := t.readPaths(ctx, paths, from, to)
		if found > 0 {
			return rows, err
		}
	}

	paths = paths[:0]
	for _, month := range months(from, to) {
		names, err := t.store.list(ctx, tablePrefix(t.source, t.name)+"dt="+month)
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions of %s/%s: %w", t.source, t.name, err)
		}
		for _, name := range names {
			if key := partitionKeyOf(name); key != "" && keyOverlaps(key, from, to) {
				paths = append(paths, name)
			}
		}
	}
	rows, _, err := t.readPaths(ctx, paths, from, to)
	return rows, err
}

// readPaths reads the given partitions, keeping rows dated in [from, to].
// It returns how many of the paths existed.
func (t *Table[R]) readPaths(ctx context.Context, paths []string, from, to time.Time) ([]R, int, error) {
	lo, hi := model.FormatDate(from), model.FormatDate(to)
	var (
		out   []R
		found int
		merr  *multierror.Error
	)
	for _, path := range paths {
		rows, exists, err := readFile[R](ctx, t.store, path)
		if exists {
			found++
		}
		if err != nil {
			logger.Warnf("Skipping partition: %v", err)
			merr = multierror.Append(merr, err)
			continue
		}
		for _, row := range rows {
			if d := row.PartitionDate(); d >= lo && d <= hi {
				out = append(out, row)
			}
		}
	}
	sortRows(out)
	return out, found, merr.ErrorOrNil()
}

// ScanByEntity returns every row of one entity. Entity-indexed tables read the entity's
// history file; others scan all partitions.
func (t *Table[R]) ScanByEntity(ctx context.Context, entityKey string) ([]R, error) {
	if t.entityIndexed {
		rows, _, err := readFile[R](ctx, t.store, entityPath(t.source, t.name, entityKey))
		if err != nil {
			return nil, err
		}
		return rows, nil
	}

	names, err := t.store.list(ctx, tablePrefix(t.source, t.name)+"dt=")
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s/%s: %w", t.source, t.name, err)
	}
	var (
		out  []R
		merr *multierror.Error
	)
	for _, name := range names {
		if partitionKeyOf(name) == "" {
			continue
		}
		rows, _, err := readFile[R](ctx, t.store, name)
		if err != nil {
			logger.Warnf("Skipping partition: %v", err)
			merr = multierror.Append(merr, err)
			continue
		}
		for _, row := range rows {
			if sameEntity(row.EntityKey(), entityKey) {
				out = append(out, row)
			}
		}
	}
	sortRows(out)
	return out, merr.ErrorOrNil()
}

// Watermark returns the latest partition date stored for entityKey. Entity-indexed tables
// read the entity's history file. Others read partitions newest first and stop at the
// first one holding the entity, looking at most watermarkScanMaxPartitions deep.
func (t *Table[R]) Watermark(ctx context.Context, entityKey string) (time.Time, bool, error) {
	if !t.entityIndexed {
		return t.partitionWatermark(ctx, entityKey)
	}
	rows, err := t.ScanByEntity(ctx, entityKey)
	if err != nil && len(rows) == 0 {
		return time.Time{}, false, err
	}
	return latestDate(rows, err)
}

func (t *Table[R]) partitionWatermark(ctx context.Context, entityKey string) (time.Time, bool, error) {
	names, err := t.store.list(ctx, tablePrefix(t.source, t.name)+"dt=")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to list partitions of %s/%s: %w", t.source, t.name, err)
	}
	var paths []string
	for _, name := range names {
		if partitionKeyOf(name) != "" {
			paths = append(paths, name)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return partitionKeyOf(paths[i]) > partitionKeyOf(paths[j]) })
	if len(paths) > watermarkScanMaxPartitions {
		paths = paths[:watermarkScanMaxPartitions]
	}

	var merr *multierror.Error
	for _, path := range paths {
		rows, _, err := readFile[R](ctx, t.store, path)
		if err != nil {
			logger.Warnf("Skipping partition: %v", err)
			merr = multierror.Append(merr, err)
			continue
		}
		var own []R
		for _, row := range rows {
			if sameEntity(row.EntityKey(), entityKey) {
				own = append(own, row)
			}
		}
		if len(own) > 0 {
			return latestDate(own, merr.ErrorOrNil())
		}
	}
	return time.Time{}, false, merr.ErrorOrNil()
}

func latestDate[R model.Record](rows []R, err error) (time.Time, bool, error) {
	latest := ""
	for _, row := range rows {
		if d := row.PartitionDate(); d > latest {
			latest = d
		}
	}
	if latest == "" {
		return time.Time{}, false, err
	}
	day, perr := model.ParseDate(latest)
	if perr != nil {
		return time.Time{}, false, perr
	}
	return day, true, err
}

// DateCounts counts rows of entityKey per day in [from, to].
func (t *Table[R]) DateCounts(ctx context.Context, entityKey string, from, to time.Time) (map[string]int, error) {
	rows, err := t.entityRows(ctx, entityKey, from, to)
	counts := make(map[string]int)
	for _, row := range rows {
		counts[row.PartitionDate()]++
	}
	return counts, err
}

// EntityRecords returns the rows of entityKey in [from, to] as model.Record values.
func (t *Table[R]) EntityRecords(ctx context.Context, entityKey string, from, to time.Time) ([]model.Record, error) {
	rows, err := t.entityRows(ctx, entityKey, from, to)
	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out, err
}

func (t *Table[R]) entityRows(ctx context.Context, entityKey string, from, to time.Time) ([]R, error) {
	lo, hi := model.FormatDate(from), model.FormatDate(to)
	var (
		rows []R
		err  error
	)
	if t.entityIndexed {
		rows, err = t.ScanByEntity(ctx, entityKey)
	} else {
		rows, err = t.Scan(ctx, from, to)
	}
	var out []R
	for _, row := range rows {
		d := row.PartitionDate()
		if d >= lo && d <= hi && sameEntity(row.EntityKey(), entityKey) {
			out = append(out, row)
		}
	}
	return out, err
}

// Inventory summarizes the table from its date partitions.
func (t *Table[R]) Inventory(ctx context.Context) (Inventory, error) {
	inv := Inventory{Source: t.source, Table: t.name}
	names, err := t.store.list(ctx, tablePrefix(t.source, t.name)+"dt=")
	if err != nil {
		return inv, fmt.Errorf("failed to list partitions of %s/%s: %w", t.source, t.name, err)
	}
	entities := make(map[string]struct{})
	var merr *multierror.Error
	for _, name := range names {
		if partitionKeyOf(name) == "" {
			continue
		}
		rows, _, err := readFile[R](ctx, t.store, name)
		if err != nil {
			logger.Warnf("Skipping partition in inventory: %v", err)
			inv.Skipped++
			merr = multierror.Append(merr, err)
			continue
		}
		inv.Partitions++
		inv.Rows += len(rows)
		for _, row := range rows {
			entities[strings.ToUpper(row.EntityKey())] = struct{}{}
			d := row.PartitionDate()
			if inv.MinDate == "" || d < inv.MinDate {
				inv.MinDate = d
			}
			if d > inv.MaxDate {
				inv.MaxDate = d
			}
		}
	}
	inv.Entities = len(entities)
	return inv, merr.ErrorOrNil()
}

func sameEntity(a, b string) bool {
	return strings.EqualFold(a, b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Reader = (*Table[model.PriceBar])(nil)
	_ Reader = (*Table[model.MacroObservation])(nil)
	_ Reader = (*Table[model.NewsDocument])(nil)
)
