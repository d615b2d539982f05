package logstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Level is a log severity as submitted by the managed services.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// levelOrder lists the severities from lowest to highest.
var levelOrder = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical}

var levelRank = map[Level]int{
	LevelDebug:    0,
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// Valid reports whether l is one of the five known severities.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast returns the levels at or above the threshold in ascending order,
// used for the level>=threshold query filter.
func (l Level) AtLeast() []Level {
	rank, ok := levelRank[l]
	if !ok {
		return nil
	}
	return levelOrder[rank:]
}

// JSONMap stores freeform key/value context as a JSONB column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(data, m)
}

// Entry is a persisted log row. IDs are assigned by the database and are
// strictly increasing in insert order.
type Entry struct {
	ID          int64      `db:"id" json:"id"`
	Timestamp   time.Time  `db:"timestamp" json:"timestamp"`
	ServiceName string     `db:"service_name" json:"service_name"`
	Level       Level      `db:"level" json:"level"`
	Message     string     `db:"message" json:"message"`
	Context     JSONMap    `db:"context" json:"context,omitempty"`
	TraceID     *string    `db:"trace_id" json:"trace_id,omitempty"`
	UserID      *string    `db:"user_id" json:"user_id,omitempty"`
	Hostname    *string    `db:"hostname" json:"hostname,omitempty"`
	ProcessID   *int       `db:"process_id" json:"process_id,omitempty"`
}

// IncomingEntry is one element of an ingest batch as sent on the wire.
type IncomingEntry struct {
	Level     string                 `json:"level" validate:"required,oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	Message   string                 `json:"message" validate:"required"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Hostname  string                 `json:"hostname,omitempty"`
	ProcessID *int                   `json:"process_id,omitempty"`
}

// MaxBatchSize bounds one ingest POST.
const MaxBatchSize = 1000

// Batch is the ingest wire format.
type Batch struct {
	ServiceName string          `json:"service_name" validate:"required,service_slug"`
	Logs        []IncomingEntry `json:"logs" validate:"required,min=1,max=1000,dive"`
}

// Filter selects log entries. Zero values mean "no constraint".
type Filter struct {
	ServiceName string
	MinLevel    Level
	From        time.Time
	To          time.Time
	TraceID     string
	UserID      string
	Limit       int
	Offset      int
}

// MaxQueryLimit caps one query page.
const MaxQueryLimit = 1000

// StatusRow is the persisted per-service status snapshot, one row per
// service, overwritten by every monitor tick.
type StatusRow struct {
	ServiceName   string     `db:"service_name" json:"service_name"`
	Status        string     `db:"status" json:"status"`
	PID           *int       `db:"pid" json:"pid,omitempty"`
	Port          int        `db:"port" json:"port"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	LastChecked   time.Time  `db:"last_checked" json:"last_checked"`
	Health        string     `db:"health" json:"health"`
	HealthMessage string     `db:"health_message" json:"health_message,omitempty"`
	CPUPercent    float64    `db:"cpu_percent" json:"cpu_percent"`
	MemoryMB      float64    `db:"memory_mb" json:"memory_mb"`
}

// MetricSample is one appended resource measurement.
type MetricSample struct {
	ServiceName string    `db:"service_name" json:"service_name"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	MetricName  string    `db:"metric_name" json:"metric_name"`
	Value       float64   `db:"value" json:"value"`
	Tags        JSONMap   `db:"tags" json:"tags,omitempty"`
}

// LevelCount is one cell of the dashboard's recent-activity aggregate.
type LevelCount struct {
	ServiceName string `db:"service_name" json:"service_name"`
	Level       Level  `db:"level" json:"level"`
	Count       int64  `db:"count" json:"count"`
}
