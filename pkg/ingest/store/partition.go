package store

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// PartitionUnit is the calendar granularity of a table's date partitions.
type PartitionUnit int

const (
	// Daily partitions are keyed dt=YYYY-MM-DD.
	Daily PartitionUnit = iota
	// Monthly partitions are keyed dt=YYYY-MM.
	Monthly
)

func (u PartitionUnit) String() string {
	if u == Monthly {
		return "monthly"
	}
	return "daily"
}

const (
	partitionFile = "part.parquet"
	entityFile    = "history.parquet"
	monthLayout   = "2006-01"
)

// PartitionKey maps a record date (YYYY-MM-DD) to its partition key.
func PartitionKey(date string, unit PartitionUnit) (string, error) {
	d, err := model.ParseDate(date)
	if err != nil {
		return "", fmt.Errorf("invalid partition date '%s': %w", date, err)
	}
	if unit == Monthly {
		return d.Format(monthLayout), nil
	}
	return d.Format(model.DateLayout), nil
}

func tablePrefix(source, table string) string {
	return source + "/" + table + "/"
}

func partitionPath(source, table, key string) string {
	return fmt.Sprintf("%sdt=%s/%s", tablePrefix(source, table), key, partitionFile)
}

func entityPath(source, table, entityKey string) string {
	return fmt.Sprintf("%sentity=%s/%s", tablePrefix(source, table), url.PathEscape(entityKey), entityFile)
}

// partitionKeyOf extracts the dt= key from an object name, or "" when it is not a partition file.
func partitionKeyOf(objectName string) string {
	if !strings.HasSuffix(objectName, "/"+partitionFile) {
		return ""
	}
	dir := strings.TrimSuffix(objectName, "/"+partitionFile)
	i := strings.LastIndex(dir, "/dt=")
	if i < 0 {
		return ""
	}
	return dir[i+len("/dt="):]
}

// keyOverlaps reports whether a daily or monthly partition key can hold dates in [from, to].
func keyOverlaps(key string, from, to time.Time) bool {
	if d, err := time.ParseInLocation(model.DateLayout, key, time.UTC); err == nil {
		return !d.Before(from) && !d.After(to)
	}
	if m, err := time.ParseInLocation(monthLayout, key, time.UTC); err == nil {
		end := m.AddDate(0, 1, -1)
		return !end.Before(from) && !m.After(to)
	}
	return false
}

// months lists the YYYY-MM keys between from and to inclusive.
func months(from, to time.Time) []string {
	var out []string
	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(to) {
		out = append(out, cur.Format(monthLayout))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}
