package credstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/kardianos/authd/clock"
)

// storeFilename is the single durable file holding all records.
const storeFilename = "credentials.dat"

// checksumSize is the length of the BLAKE3 trailer at the end of the
// store file.
const checksumSize = 32

// storeDomainKey keys the BLAKE3 checksum so that a file from an
// unrelated tool cannot pass verification by accident. It is a domain
// separator, not a secret.
var storeDomainKey = [32]byte{
	'a', 'u', 't', 'h', 'd', '/', 'c', 'r',
	'e', 'd', 's', 't', 'o', 'r', 'e', '/',
	'v', '1', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Dir is the directory holding the credential file.
	Dir string

	// Initialize creates and persists an empty store when the file
	// does not exist. When false, a missing file is an error.
	Initialize bool

	// RegistrationWindow is how long after store construction
	// unauthenticated registration stays open. Zero disables it.
	RegistrationWindow time.Duration

	// Clock drives the registration window. If nil, the real clock
	// is used.
	Clock clock.Clock

	// Logger for store events. If nil, logs are discarded.
	Logger *log.Logger
}

// FileStore is the production credential store. Every mutation rewrites
// the full record set to a temporary file and atomically replaces the
// previous one, so a reader never observes a partially written store.
type FileStore struct {
	path   string
	gate   *RegistrationGate
	logger *log.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// OpenFileStore loads (or bootstraps) the credential file in cfg.Dir.
// A corrupt or truncated file is a hard error, never silently dropped
// entries.
func OpenFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("credentials directory is required")
	}

	s := &FileStore{
		path:    filepath.Join(cfg.Dir, storeFilename),
		gate:    NewRegistrationGate(cfg.Clock, cfg.RegistrationWindow),
		logger:  cfg.Logger,
		records: make(map[string]Record),
	}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if !cfg.Initialize {
			return nil, fmt.Errorf("credential file %s does not exist", s.path)
		}
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("bootstrap empty store: %w", err)
		}
		s.log("created empty credential store at %s", s.path)
		return s, nil
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	// The file holds credential material; keep it owner-only even if
	// it was created by an earlier version with looser permissions.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict credential file permissions: %w", err)
	}
	s.log("loaded %d credential records from %s", len(s.records), s.path)
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}
	if len(data) < checksumSize {
		return fmt.Errorf("credential file %s truncated (%d bytes)", s.path, len(data))
	}

	payload := data[:len(data)-checksumSize]
	trailer := data[len(data)-checksumSize:]

	sum, err := storeChecksum(payload)
	if err != nil {
		return err
	}
	if string(sum) != string(trailer) {
		return fmt.Errorf("credential file %s corrupt: checksum mismatch", s.path)
	}

	var records []Record
	if err := cbor.Unmarshal(payload, &records); err != nil {
		return fmt.Errorf("decode credential file %s: %w", s.path, err)
	}

	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

// persistLocked writes the full record set durably: encode, checksum,
// write to a temporary file, then rename over the previous file. The
// caller must hold the write lock (or be the only reference, during
// construction).
func (s *FileStore) persistLocked() error {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, s.records[id])
	}

	payload, err := cbor.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode credential records: %w", err)
	}
	sum, err := storeChecksum(payload)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, sum...), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

func storeChecksum(payload []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(storeDomainKey[:])
	if err != nil {
		return nil, fmt.Errorf("checksum init: %w", err)
	}
	hasher.Write(payload)
	return hasher.Sum(nil), nil
}

// Credentials returns the stored credential bytes for id.
func (s *FileStore) Credentials(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), r.Credentials...), nil
}

// IsAdmin reports whether id has administrator rights.
func (s *FileStore) IsAdmin(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Admin, nil
}

// SetAdmin changes the admin flag of an existing record.
func (s *FileStore) SetAdmin(id string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.replaceLocked(Record{ID: id, Credentials: r.Credentials, Admin: admin})
}

// HasEntry reports whether a record exists for id.
func (s *FileStore) HasEntry(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// SetCredentials creates or replaces a record through the bootstrap
// registration path. The registration window applies; the existing
// admin flag is preserved (false for new ids).
func (s *FileStore) SetCredentials(id string, credentials []byte) error {
	if !s.gate.Open() {
		return fmt.Errorf("%w: cannot set credentials for %q", ErrRegistrationClosed, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	admin := false
	if r, ok := s.records[id]; ok {
		admin = r.Admin
	}
	return s.replaceLocked(Record{ID: id, Credentials: append([]byte(nil), credentials...), Admin: admin})
}

// AddEntry creates or replaces a record with an explicit admin flag,
// bypassing the registration window. Callers are authorization-checked.
func (s *FileStore) AddEntry(id string, credentials []byte, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(Record{ID: id, Credentials: append([]byte(nil), credentials...), Admin: admin})
}

// RemoveEntry deletes the record for id; removing an absent id is a
// no-op.
func (s *FileStore) RemoveEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	prev := s.records[id]
	delete(s.records, id)
	if err := s.persistLocked(); err != nil {
		s.records[id] = prev
		return err
	}
	return nil
}

// RegistrationOpen reports whether the bootstrap window is open.
func (s *FileStore) RegistrationOpen() bool {
	return s.gate.Open()
}

// replaceLocked swaps in a whole record and persists. On persist
// failure the in-memory map is rolled back so the durable state and
// the map stay consistent.
func (s *FileStore) replaceLocked(r Record) error {
	prev, existed := s.records[r.ID]
	s.records[r.ID] = r
	if err := s.persistLocked(); err != nil {
		if existed {
			s.records[r.ID] = prev
		} else {
			delete(s.records, r.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) log(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[credstore] "+format, args...)
	}
}
