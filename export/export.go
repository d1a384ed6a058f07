// Package export serializes finished coherency analyses for the community
// benchmark database: one fixed-order CSV row or one nested JSON object per
// submission. The sink is append-only and best-effort; any failure here is
// logged and swallowed, never surfaced to the driver.
package export

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
)

// csvHeader is the fixed column order. Consumers parse by position.
const csvHeader = "submission_id, timestamp, chipset, cpu, cache_config, " +
	"bus_master, coherency, snooping, tier, confidence\n"

// A Submission is one benchmark record: the analysis verdicts plus the
// hardware identity they were measured on.
type Submission struct {
	ID         string
	Timestamp  time.Time
	Chipset    string
	CPU        string
	CacheCfg   string
	BusMaster  string
	Coherency  string
	Snooping   string
	Tier       string
	Confidence int
}

// NewSubmission flattens an analysis into a submission with a fresh id.
func NewSubmission(chipset string, at time.Time, a *coherency.Analysis) Submission {
	return Submission{
		ID:         xid.New().String(),
		Timestamp:  at,
		Chipset:    chipset,
		CPU:        a.CPU.String(),
		CacheCfg:   cacheConfig(a),
		BusMaster:  a.BusMaster.String(),
		Coherency:  a.Coherency.String(),
		Snooping:   a.Snooping.String(),
		Tier:       a.SelectedTier.String(),
		Confidence: a.Confidence,
	}
}

func cacheConfig(a *coherency.Analysis) string {
	if !a.CacheEnabled {
		return "disabled"
	}
	if a.WriteBackCache {
		return fmt.Sprintf("write-back/%dB", a.CPU.CacheLineSize)
	}
	return fmt.Sprintf("write-through/%dB", a.CPU.CacheLineSize)
}

// A CSVExporter appends submissions to a CSV file.
type CSVExporter struct {
	path string
	file *os.File
	log  *log.Logger

	rows       []Submission
	bufferSize int
}

// NewCSVExporter opens path + ".csv" for appending, writing the header when
// the file is fresh. A sink that cannot open degrades to a no-op.
func NewCSVExporter(path string, l *log.Logger) *CSVExporter {
	e := &CSVExporter{
		path:       path,
		log:        l,
		bufferSize: 64,
	}

	filename := e.path + ".csv"
	_, statErr := os.Stat(filename)
	fresh := statErr != nil

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Printf("export: csv sink disabled: %v", err)
		return e
	}
	e.file = file

	if fresh {
		if _, err := fmt.Fprint(file, csvHeader); err != nil {
			e.log.Printf("export: csv sink disabled: %v", err)
			e.file = nil
			file.Close()
			return e
		}
	}

	atexit.Register(func() { e.Flush() })

	return e
}

// Export buffers one submission.
func (e *CSVExporter) Export(sub Submission) {
	if e.file == nil {
		return
	}
	e.rows = append(e.rows, sub)
	if len(e.rows) >= e.bufferSize {
		e.Flush()
	}
}

// Flush appends the buffered rows in the fixed column order.
func (e *CSVExporter) Flush() {
	if e.file == nil {
		return
	}

	for _, sub := range e.rows {
		_, err := fmt.Fprintf(e.file, "%s, %s, %s, %s, %s, %s, %s, %s, %s, %d\n",
			sub.ID,
			sub.Timestamp.Format(time.RFC3339),
			sub.Chipset,
			sub.CPU,
			sub.CacheCfg,
			sub.BusMaster,
			sub.Coherency,
			sub.Snooping,
			sub.Tier,
			sub.Confidence,
		)
		if err != nil {
			e.log.Printf("export: csv append: %v", err)
			break
		}
	}

	e.rows = nil
}

type jsonHardware struct {
	Chipset string `json:"chipset"`
	CPU     string `json:"cpu"`
	Cache   string `json:"cache"`
}

type jsonResults struct {
	BusMaster string `json:"bus_master"`
	Coherency string `json:"coherency"`
	Snooping  string `json:"snooping"`
}

type jsonVerdict struct {
	Tier       string `json:"tier"`
	Confidence int    `json:"confidence"`
}

type jsonSubmission struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Hardware  jsonHardware `json:"hardware"`
	Results   jsonResults  `json:"results"`
	Verdict   jsonVerdict  `json:"verdict"`
}

// A JSONExporter appends one nested JSON object per line.
type JSONExporter struct {
	path string
	file *os.File
	log  *log.Logger
}

// NewJSONExporter opens path + ".json" for appending. A sink that cannot
// open degrades to a no-op.
func NewJSONExporter(path string, l *log.Logger) *JSONExporter {
	e := &JSONExporter{path: path, log: l}

	file, err := os.OpenFile(e.path+".json", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Printf("export: json sink disabled: %v", err)
		return e
	}
	e.file = file

	return e
}

// Export appends one submission object.
func (e *JSONExporter) Export(sub Submission) {
	if e.file == nil {
		return
	}

	obj := jsonSubmission{
		ID:        sub.ID,
		Timestamp: sub.Timestamp.Format(time.RFC3339),
		Hardware: jsonHardware{
			Chipset: sub.Chipset,
			CPU:     sub.CPU,
			Cache:   sub.CacheCfg,
		},
		Results: jsonResults{
			BusMaster: sub.BusMaster,
			Coherency: sub.Coherency,
			Snooping:  sub.Snooping,
		},
		Verdict: jsonVerdict{
			Tier:       sub.Tier,
			Confidence: sub.Confidence,
		},
	}

	data, err := json.Marshal(obj)
	if err != nil {
		e.log.Printf("export: json marshal: %v", err)
		return
	}
	if _, err := e.file.Write(append(data, '\n')); err != nil {
		e.log.Printf("export: json append: %v", err)
	}
}
