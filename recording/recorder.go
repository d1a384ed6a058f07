// Package recording persists driver diagnostics into a local SQLite
// database: executor overhead samples, coherency stage results, policy
// transitions, and queue health snapshots. Recording is an observer wired
// through hooks; losing it never affects driver operation.
package recording

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"

	// SQLite driver for database/sql.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// batchSize bounds how many buffered entries accumulate before an implicit
// flush. Driver-scale runs are small; keep memory flat anyway.
const batchSize = 1024

// Recorder is a backend that records flat diagnostic entries into named
// tables.
type Recorder interface {
	// CreateTable creates a table shaped after sampleEntry's fields.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers one entry for a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns the names of all created tables.
	ListTables() []string

	// Flush writes all buffered entries to the database.
	Flush()

	// Close flushes and releases the database.
	Close() error
}

// NewRecorder creates a Recorder backed by path + ".sqlite3". An empty path
// gets a unique generated name. The file must not already exist.
func NewRecorder(path string) Recorder {
	w := &sqliteRecorder{
		dbName: path,
		tables: make(map[string]*table),
	}

	w.init()

	atexit.Register(func() { w.Flush() })

	return w
}

// NewRecorderWithDB wraps an already-open database.
func NewRecorderWithDB(db *sql.DB) Recorder {
	w := &sqliteRecorder{
		db:     db,
		tables: make(map[string]*table),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	entries    []any
}

type sqliteRecorder struct {
	db *sql.DB

	dbName     string
	tables     map[string]*table
	entryCount int
}

func (r *sqliteRecorder) init() {
	if r.dbName == "" {
		r.dbName = "pktdrv_diag_" + xid.New().String()
	}

	filename := r.dbName + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		log.Panicf("recording database %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		log.Panic(err)
	}

	r.db = db
}

func isAllowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)

	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)
		if !isAllowedKind(field.Type.Kind()) {
			return errors.New("entry field " + field.Name + " is not a flat scalar")
		}
	}

	return nil
}

func (r *sqliteRecorder) CreateTable(tableName string, sampleEntry any) {
	if err := checkStructFields(sampleEntry); err != nil {
		log.Panic(err)
	}
	if _, exists := r.tables[tableName]; exists {
		log.Panicf("table %s already exists", tableName)
	}

	fields := strings.Join(structs.Names(sampleEntry), ", \n\t")
	r.mustExecute(`CREATE TABLE ` + tableName + ` (` + "\n\t" + fields + "\n" + `);`)

	r.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

func (r *sqliteRecorder) InsertData(tableName string, entry any) {
	t, exists := r.tables[tableName]
	if !exists {
		log.Panicf("table %s does not exist", tableName)
	}
	if reflect.TypeOf(entry) != t.structType {
		log.Panicf("entry type %T does not match table %s", entry, tableName)
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= batchSize {
		r.Flush()
	}
}

func (r *sqliteRecorder) ListTables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	return names
}

func (r *sqliteRecorder) Flush() {
	if r.entryCount == 0 {
		return
	}

	r.mustExecute("BEGIN TRANSACTION")
	defer r.mustExecute("COMMIT TRANSACTION")

	for tableName, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		stmt := r.prepareInsert(tableName, t.entries[0])
		for _, entry := range t.entries {
			v := []any{}

			value := reflect.ValueOf(entry)
			for i := 0; i < value.NumField(); i++ {
				v = append(v, value.Field(i).Interface())
			}

			if _, err := stmt.Exec(v...); err != nil {
				log.Panic(err)
			}
		}

		t.entries = nil
		stmt.Close()
	}

	r.entryCount = 0
}

func (r *sqliteRecorder) Close() error {
	r.Flush()
	return r.db.Close()
}

func (r *sqliteRecorder) mustExecute(query string) sql.Result {
	res, err := r.db.Exec(query)
	if err != nil {
		log.Panic(fmt.Errorf("failed to execute %q: %w", query, err))
	}
	return res
}

func (r *sqliteRecorder) prepareInsert(tableName string, sample any) *sql.Stmt {
	n := structs.Names(sample)
	for i := range n {
		n[i] = "?"
	}

	stmt, err := r.db.Prepare(
		"INSERT INTO " + tableName + " VALUES (" + strings.Join(n, ", ") + ")")
	if err != nil {
		log.Panic(err)
	}
	return stmt
}
