package twin

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/core/csql"
)

// Entry is one key of a device twin
type Entry struct {
	Key         string          `json:"key"`
	Request     json.RawMessage `json:"request"`
	Report      json.RawMessage `json:"report"`
	RequestedAt time.Time       `json:"requested_at"`
	ReportedAt  time.Time       `json:"reported_at"`
}

// Store persists device twins
type Store interface {
	// Get returns the entry of identity and key. ok is false if there is none.
	Get(ctx context.Context, identity, key string) (entry Entry, ok bool, err error)
	// List returns all entries of identity sorted by key
	List(ctx context.Context, identity string) ([]Entry, error)
	// PutRequest sets the request side of a key
	PutRequest(ctx context.Context, identity, key string, request json.RawMessage, at time.Time) error
	// PutReport sets the report side of a key. An equal report keeps the
	// previous timestamp and changed is false.
	PutReport(ctx context.Context, identity, key string, report json.RawMessage, at time.Time) (changed bool, err error)
}

var emptyObject = json.RawMessage("{}")

// MemoryStore is a Store in memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) entry(identity, key string) Entry {
	if e, ok := s.entries[identity][key]; ok {
		return e
	}
	return Entry{Key: key, Request: emptyObject, Report: emptyObject}
}

func (s *MemoryStore) put(identity string, e Entry) {
	keys, ok := s.entries[identity]
	if !ok {
		keys = make(map[string]Entry)
		s.entries[identity] = keys
	}
	keys[e.Key] = e
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, identity, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[identity][key]
	return e, ok, nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, identity string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := []Entry{}
	for _, e := range s.entries[identity] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// PutRequest implements Store
func (s *MemoryStore) PutRequest(_ context.Context, identity, key string, request json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(identity, key)
	e.Request = append(json.RawMessage{}, request...)
	e.RequestedAt = at
	s.put(identity, e)
	return nil
}

// PutReport implements Store
func (s *MemoryStore) PutReport(_ context.Context, identity, key string, report json.RawMessage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(identity, key)
	if _, ok := s.entries[identity][key]; ok && jsonEqual(e.Report, report) {
		return false, nil
	}
	e.Report = append(json.RawMessage{}, report...)
	e.ReportedAt = at
	s.put(identity, e)
	return true, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}

// SQLStore keeps the twins in the system table "_twin_"
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the twin table if it does not exist yet
func NewSQLStore(ctx context.Context, db *csql.DB) (*SQLStore, error) {
	_, err := db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+db.Table("_twin_")+`
(device_id varchar NOT NULL,
key varchar NOT NULL,
request json NOT NULL,
report json NOT NULL,
requested_at timestamp NOT NULL,
reported_at timestamp NOT NULL,
PRIMARY KEY(device_id, key)
);`)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, identity, key string) (Entry, bool, error) {
	e := Entry{}
	var request, report []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT key,request,report,requested_at,reported_at FROM `+s.db.Table("_twin_")+` WHERE device_id=$1 AND key=$2;`,
		identity, key).Scan(&e.Key, &request, &report, &e.RequestedAt, &e.ReportedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Request, e.Report = request, report
	return e, true, nil
}

// List implements Store
func (s *SQLStore) List(ctx context.Context, identity string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key,request,report,requested_at,reported_at FROM `+s.db.Table("_twin_")+` WHERE device_id=$1 ORDER BY key;`,
		identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		e := Entry{}
		var request, report []byte
		if err := rows.Scan(&e.Key, &request, &report, &e.RequestedAt, &e.ReportedAt); err != nil {
			return nil, err
		}
		e.Request, e.Report = request, report
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutRequest implements Store
func (s *SQLStore) PutRequest(ctx context.Context, identity, key string, request json.RawMessage, at time.Time) error {
	never := time.Time{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Table("_twin_")+`(device_id,key,request,report,requested_at,reported_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (device_id, key) DO UPDATE SET request=$3,requested_at=$5;`,
		identity, key, string(request), "{}", at.UTC(), never)
	return err
}

// PutReport implements Store
func (s *SQLStore) PutReport(ctx context.Context, identity, key string, report json.RawMessage, at time.Time) (bool, error) {
	never := time.Time{}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Table("_twin_")+`(device_id,key,request,report,requested_at,reported_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (device_id, key) DO UPDATE SET report=$4,reported_at=$6 WHERE "_twin_".report::jsonb<>$4::jsonb;`,
		identity, key, "{}", string(report), never, at.UTC())
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
