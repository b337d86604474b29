package logger

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and destination of a logger.
type Options struct {
	Level     string
	Format    string // json or text
	Output    io.Writer
	BatchSize int
}

// RequestMetrics holds metrics for a specific endpoint
type RequestMetrics struct {
	Count      int           `json:"count"`
	TotalTime  time.Duration `json:"total_time"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// BatchLogger wraps logrus.Logger and folds successful requests into
// periodic summaries instead of logging each one.
type BatchLogger struct {
	*logrus.Logger
	metrics    map[string]*RequestMetrics
	batchCount int
	mutex      sync.Mutex
	batchSize  int
}

// New creates a logger configured from LOG_LEVEL.
func New() *BatchLogger {
	return NewWithOptions(Options{Level: os.Getenv("LOG_LEVEL")})
}

// NewWithOptions creates a logger from explicit options. Unknown levels fall
// back to info and an unknown format falls back to JSON.
func NewWithOptions(opts Options) *BatchLogger {
	log := logrus.New()

	if strings.EqualFold(opts.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
				logrus.FieldKeyFunc:  "func",
			},
		})
	}

	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stdout)
	}

	log.SetLevel(ParseLevel(opts.Level))

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &BatchLogger{
		Logger:    log,
		metrics:   make(map[string]*RequestMetrics),
		batchSize: batchSize,
	}
}

// ParseLevel maps a config level to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// LogRequest logs a request, batching 2xx responses.
func (bl *BatchLogger) LogRequest(method, endpoint string, statusCode int, latency time.Duration, fields logrus.Fields) {
	if statusCode >= 200 && statusCode < 300 {
		bl.batchSuccess(method, endpoint, latency)
		return
	}

	entry := bl.WithFields(fields)
	if statusCode >= 500 {
		entry.Errorf("%s %s - Status: %d, Latency: %v", method, endpoint, statusCode, latency)
	} else if statusCode >= 400 {
		entry.Warnf("%s %s - Status: %d, Latency: %v", method, endpoint, statusCode, latency)
	} else {
		entry.Infof("%s %s - Status: %d, Latency: %v", method, endpoint, statusCode, latency)
	}
}

func (bl *BatchLogger) batchSuccess(method, endpoint string, latency time.Duration) {
	bl.mutex.Lock()
	defer bl.mutex.Unlock()

	key := method + " " + endpoint

	metrics := bl.metrics[key]
	if metrics == nil {
		metrics = &RequestMetrics{MinLatency: latency, MaxLatency: latency}
		bl.metrics[key] = metrics
	}

	metrics.Count++
	metrics.TotalTime += latency
	if latency < metrics.MinLatency {
		metrics.MinLatency = latency
	}
	if latency > metrics.MaxLatency {
		metrics.MaxLatency = latency
	}
	metrics.AvgLatency = metrics.TotalTime / time.Duration(metrics.Count)

	bl.batchCount++
	if bl.batchCount >= bl.batchSize {
		bl.flushBatch()
	}
}

// flushBatch must be called with the mutex held.
func (bl *BatchLogger) flushBatch() {
	if bl.batchCount == 0 {
		return
	}

	endpoints := make([]string, 0, len(bl.metrics))
	for key := range bl.metrics {
		endpoints = append(endpoints, key)
	}
	sort.Strings(endpoints)

	bl.WithFields(logrus.Fields{
		"batch_summary":  true,
		"total_requests": bl.batchCount,
		"endpoints":      bl.metrics,
		"endpoint_keys":  endpoints,
	}).Info("Request batch summary")

	bl.metrics = make(map[string]*RequestMetrics)
	bl.batchCount = 0
}

// FlushPending forces a flush of any pending batch data
func (bl *BatchLogger) FlushPending() {
	bl.mutex.Lock()
	defer bl.mutex.Unlock()
	bl.flushBatch()
}

// Pending returns the number of batched requests not yet summarised.
func (bl *BatchLogger) Pending() int {
	bl.mutex.Lock()
	defer bl.mutex.Unlock()
	return bl.batchCount
}

// WithComponent returns an entry tagged with a component name.
func (bl *BatchLogger) WithComponent(name string) *logrus.Entry {
	return bl.WithField("component", name)
}
