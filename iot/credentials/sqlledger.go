package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/relabs-tech/iotplane/core/csql"
	"github.com/relabs-tech/iotplane/core/registry"
)

// SQLLedger keeps the ledger in a postgres table. The CRL number is kept in
// the registry.
type SQLLedger struct {
	db       *csql.DB
	counters registry.Accessor
}

// NewSQLLedger creates the ledger table if it does not exist yet
func NewSQLLedger(ctx context.Context, db *csql.DB, reg registry.Registry) (*SQLLedger, error) {
	_, err := db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+db.Table("_certificates_")+`
(serial bigint NOT NULL,
subject_cn varchar NOT NULL,
status char(1) NOT NULL,
issued_at timestamptz NOT NULL,
not_after timestamptz NOT NULL,
revoked_at timestamptz,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS certificates_subject_cn ON `+db.Table("_certificates_")+`(subject_cn);`)
	if err != nil {
		return nil, err
	}
	return &SQLLedger{db: db, counters: reg.Accessor("ca")}, nil
}

const certificateColumns = `serial, subject_cn, status, issued_at, not_after, revoked_at`

func scanRecord(scan func(dest ...interface{}) error) (Record, error) {
	var (
		r         Record
		serial    int64
		status    string
		revokedAt sql.NullTime
	)
	if err := scan(&serial, &r.SubjectCN, &status, &r.IssuedAt, &r.NotAfter, &revokedAt); err != nil {
		return Record{}, err
	}
	r.Serial = big.NewInt(serial)
	r.Status = Status(status)
	if revokedAt.Valid {
		r.RevokedAt = revokedAt.Time
	}
	return r, nil
}

func (l *SQLLedger) NextSerial(ctx context.Context) (*big.Int, error) {
	var next int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(serial)+1, $1) FROM `+l.db.Table("_certificates_")+`;`,
		FirstSerial.Int64()).Scan(&next)
	if err != nil {
		return nil, err
	}
	return big.NewInt(next), nil
}

func (l *SQLLedger) Append(ctx context.Context, r Record) error {
	if !r.Serial.IsInt64() {
		return fmt.Errorf("serial %s out of range", r.SerialHex())
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO `+l.db.Table("_certificates_")+`(`+certificateColumns+`)
VALUES($1,$2,$3,$4,$5,NULL) ON CONFLICT (serial) DO NOTHING;`,
		r.Serial.Int64(), r.SubjectCN, string(r.Status), r.IssuedAt, r.NotAfter)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, r.SerialHex())
	}
	return nil
}

func (l *SQLLedger) Revoke(ctx context.Context, subjectCN string, at time.Time) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`UPDATE `+l.db.Table("_certificates_")+` SET status='R', revoked_at=$2
WHERE subject_cn=$1 AND status='V'
RETURNING `+certificateColumns+`;`,
		subjectCN, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var revoked []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, r)
	}
	return revoked, rows.Err()
}

func (l *SQLLedger) Records(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+certificateColumns+` FROM `+l.db.Table("_certificates_")+` ORDER BY serial;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (l *SQLLedger) Lookup(ctx context.Context, serial *big.Int) (Record, bool, error) {
	if !serial.IsInt64() {
		return Record{}, false, nil
	}
	r, err := scanRecord(l.db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM `+l.db.Table("_certificates_")+` WHERE serial=$1;`,
		serial.Int64()).Scan)
	if err == csql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (l *SQLLedger) NextCRLNumber(ctx context.Context) (*big.Int, error) {
	n, err := l.counters.Increment(ctx, "crlnumber", FirstSerial.Int64())
	if err != nil {
		return nil, err
	}
	return big.NewInt(n), nil
}
