package credentials

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FirstSerial is the serial number of the first certificate. CRL numbers start here too.
var FirstSerial = big.NewInt(1000)

// Status of a certificate record
type Status string

// Certificate states
const (
	StatusValid   Status = "V"
	StatusRevoked Status = "R"
)

// Record is one entry of the certificate ledger
type Record struct {
	Serial    *big.Int  `json:"-"`
	SubjectCN string    `json:"subject_cn"`
	Status    Status    `json:"status"`
	IssuedAt  time.Time `json:"issued_at"`
	NotAfter  time.Time `json:"not_after"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// SerialHex returns the serial in upper case hex, as used in the index file and in logs
func (r Record) SerialHex() string {
	return fmt.Sprintf("%X", r.Serial)
}

// ErrDuplicateSerial is returned by Append if the serial is already recorded
var ErrDuplicateSerial = errors.New("serial already recorded")

// Ledger is the append-only certificate store. Records are never deleted;
// Revoke is the only transition. Mutating calls are serialized by the Authority.
type Ledger interface {
	// NextSerial returns the serial the next Append is expected to use
	NextSerial(ctx context.Context) (*big.Int, error)
	// Append records a newly issued certificate
	Append(ctx context.Context, r Record) error
	// Revoke marks all valid records of subjectCN as revoked and returns them
	Revoke(ctx context.Context, subjectCN string, at time.Time) ([]Record, error)
	// Records returns all records ordered by serial
	Records(ctx context.Context) ([]Record, error)
	// Lookup returns the record with the given serial
	Lookup(ctx context.Context, serial *big.Int) (Record, bool, error)
	// NextCRLNumber allocates a CRL number
	NextCRLNumber(ctx context.Context) (*big.Int, error)
}

func nextSerial(records []Record) *big.Int {
	next := new(big.Int).Set(FirstSerial)
	for _, r := range records {
		if r.Serial.Cmp(next) >= 0 {
			next.Add(r.Serial, big.NewInt(1))
		}
	}
	return next
}

// FileLedger keeps the ledger in a tab separated index file:
//
//	status  serial  subject  issued_at  not_after  revoked_at
//
// Several processes may share the directory, caadm next to a running server.
// Every call reads the files again, mutations hold an exclusive flock on
// "lock" and rewrite the index atomically. The next CRL number lives in a
// separate file "crlnumber".
type FileLedger struct {
	mu  sync.Mutex
	dir string
}

const (
	indexFile     = "index.txt"
	crlNumberFile = "crlnumber"
	lockFile      = "lock"
)

// OpenFileLedger opens the ledger in dir, creating dir if needed
func OpenFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	l := &FileLedger{dir: dir}
	if _, err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// lock locks the ledger against other goroutines and other processes. Call
// the returned function to unlock.
func (l *FileLedger) lock() (func(), error) {
	l.mu.Lock()
	f, err := os.OpenFile(filepath.Join(l.dir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return nil, fmt.Errorf("cannot lock %s: %w", f.Name(), err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		l.mu.Unlock()
	}, nil
}

// load reads the index file. A missing file is an empty ledger.
func (l *FileLedger) load() ([]Record, error) {
	path := filepath.Join(l.dir, indexFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records, err := parseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return records, nil
}

func parseIndex(data []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 6 fields, got %d", line, len(fields))
		}
		r := Record{Status: Status(fields[0]), SubjectCN: fields[2]}
		if r.Status != StatusValid && r.Status != StatusRevoked {
			return nil, fmt.Errorf("line %d: unknown status '%s'", line, fields[0])
		}
		serial, ok := new(big.Int).SetString(fields[1], 16)
		if !ok {
			return nil, fmt.Errorf("line %d: invalid serial '%s'", line, fields[1])
		}
		r.Serial = serial
		var err error
		if r.IssuedAt, err = time.Parse(time.RFC3339, fields[3]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if r.NotAfter, err = time.Parse(time.RFC3339, fields[4]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if fields[5] != "" {
			if r.RevokedAt, err = time.Parse(time.RFC3339, fields[5]); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

func formatIndex(records []Record) []byte {
	var b bytes.Buffer
	for _, r := range records {
		revokedAt := ""
		if !r.RevokedAt.IsZero() {
			revokedAt = r.RevokedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Status, r.SerialHex(), r.SubjectCN,
			r.IssuedAt.UTC().Format(time.RFC3339), r.NotAfter.UTC().Format(time.RFC3339), revokedAt)
	}
	return b.Bytes()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (l *FileLedger) NextSerial(context.Context) (*big.Int, error) {
	records, err := l.load()
	if err != nil {
		return nil, err
	}
	return nextSerial(records), nil
}

func (l *FileLedger) Append(_ context.Context, r Record) error {
	unlock, err := l.lock()
	if err != nil {
		return err
	}
	defer unlock()
	records, err := l.load()
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.Serial.Cmp(r.Serial) == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateSerial, r.SerialHex())
		}
	}
	records = append(records, r)
	sort.Slice(records, func(i, j int) bool { return records[i].Serial.Cmp(records[j].Serial) < 0 })
	return writeFileAtomic(filepath.Join(l.dir, indexFile), formatIndex(records), 0600)
}

func (l *FileLedger) Revoke(_ context.Context, subjectCN string, at time.Time) ([]Record, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	records, err := l.load()
	if err != nil {
		return nil, err
	}
	var revoked []Record
	for i, r := range records {
		if r.SubjectCN == subjectCN && r.Status == StatusValid {
			r.Status = StatusRevoked
			r.RevokedAt = at
			records[i] = r
			revoked = append(revoked, r)
		}
	}
	if len(revoked) == 0 {
		return nil, nil
	}
	if err := writeFileAtomic(filepath.Join(l.dir, indexFile), formatIndex(records), 0600); err != nil {
		return nil, err
	}
	return revoked, nil
}

func (l *FileLedger) Records(context.Context) ([]Record, error) {
	return l.load()
}

func (l *FileLedger) Lookup(_ context.Context, serial *big.Int) (Record, bool, error) {
	records, err := l.load()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range records {
		if r.Serial.Cmp(serial) == 0 {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (l *FileLedger) NextCRLNumber(context.Context) (*big.Int, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	path := filepath.Join(l.dir, crlNumberFile)
	number := new(big.Int).Set(FirstSerial)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, ok := number.SetString(strings.TrimSpace(string(data)), 16); !ok {
			return nil, fmt.Errorf("invalid crl number in %s", path)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	next := new(big.Int).Add(number, big.NewInt(1))
	if err := writeFileAtomic(path, []byte(fmt.Sprintf("%X\n", next)), 0600); err != nil {
		return nil, err
	}
	return number, nil
}
