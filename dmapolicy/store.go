package dmapolicy

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// EnvKey is the environment fallback for the durable safety bit. It only
// carries last_known_safe; everything else is rebuilt by revalidation.
const EnvKey = "PKTDRV_DMA_SAFE"

const (
	saveAttempts    = 3
	saveBackoffBase = 10 * time.Millisecond
)

// A Store persists policy records. Every save is write-to-temp, read back,
// verify, rename, so a torn write can never replace a good record with a
// bad one. When the file cannot be written at all, the safety bit degrades
// to the process environment.
type Store struct {
	path    string
	envFile string
	log     *log.Logger
	sleep   func(time.Duration)
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		path:  path,
		log:   log.Default(),
		sleep: time.Sleep,
	}
}

// WithEnvFile also mirrors the environment fallback into a dotenv file, so
// the degraded bit survives the process as well.
func (s *Store) WithEnvFile(path string) *Store {
	s.envFile = path
	return s
}

// WithLogger sets the logger used for save retries.
func (s *Store) WithLogger(l *log.Logger) *Store {
	s.log = l
	return s
}

// WithSleep replaces the retry backoff sleeper.
func (s *Store) WithSleep(sleep func(time.Duration)) *Store {
	s.sleep = sleep
	return s
}

// Path returns the policy file location.
func (s *Store) Path() string {
	return s.path
}

// Save persists the record. It retries transient failures with exponential
// backoff, and when the file stays unwritable it parks the safety bit in the
// environment and reports the underlying error. Callers treat that error as
// a warning, never a fault.
func (s *Store) Save(r Record) error {
	data := r.Encode()
	tmp := s.path + ".tmp"

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(saveBackoffBase << uint(attempt-1))
		}
		if lastErr = s.writeVerified(tmp, data); lastErr != nil {
			s.log.Printf("policy store: save attempt %d: %v", attempt+1, lastErr)
			continue
		}
		return nil
	}

	s.saveEnvFallback(r)
	return fmt.Errorf("policy record not persisted: %w", lastErr)
}

func (s *Store) writeVerified(tmp string, data []byte) error {
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	back, err := os.ReadFile(tmp)
	if err != nil {
		return err
	}
	if !bytes.Equal(back, data) {
		return fmt.Errorf("read-back mismatch on %s", tmp)
	}
	if _, err := DecodeRecord(back); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}

// Load reads the persisted record. Anything unusable, from a missing file to
// a checksum mismatch, comes back as ErrNoHistory. The runtime enable bit is
// always cleared on load; enabling DMA is a per-boot decision.
func (s *Store) Load() (Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrNoHistory
		}
		return Record{}, fmt.Errorf("%w: %v", ErrNoHistory, err)
	}

	rec, err := DecodeRecord(data)
	if err != nil {
		return Record{}, err
	}

	rec.RuntimeEnable = false
	return rec, nil
}

func (s *Store) saveEnvFallback(r Record) {
	v := "0"
	if r.LastKnownSafe {
		v = "1"
	}
	os.Setenv(EnvKey, v)

	if s.envFile == "" {
		return
	}
	if err := godotenv.Write(map[string]string{EnvKey: v}, s.envFile); err != nil {
		s.log.Printf("policy store: env fallback file: %v", err)
	}
}

// LoadEnvFallback recovers the degraded safety bit from the environment or
// the dotenv mirror. ok is false when neither carries a usable value.
func (s *Store) LoadEnvFallback() (safe, ok bool) {
	v := os.Getenv(EnvKey)
	if v == "" && s.envFile != "" {
		if m, err := godotenv.Read(s.envFile); err == nil {
			v = m[EnvKey]
		}
	}

	switch v {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}
