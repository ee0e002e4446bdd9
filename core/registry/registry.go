/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. The certificate authority keeps
its counters here and the device twin its reported state.
*/
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/core/csql"
)

// New creates a new registry for the specified database
func New(ctx context.Context, db *csql.DB) (Registry, error) {
	_, err := db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+db.Table("_registry_")+`
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return Registry{}, err
	}
	return Registry{db: db}, nil
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue  []byte
		timestamp time.Time
	)
	key = r.key(key)
	db := r.Registry.db
	err := db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if err == csql.ErrNoRows {
		return timestamp, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return timestamp, json.Unmarshal(rawValue, value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.key(key)
	db := r.Registry.db
	res, err := db.ExecContext(ctx,
		`INSERT INTO `+db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Increment atomically increments the integer stored at key and returns the
// new value. A missing key starts at start.
func (r Accessor) Increment(ctx context.Context, key string, start int64) (int64, error) {
	key = r.key(key)
	db := r.Registry.db
	var value int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO `+db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,to_json($2::bigint),$3)
ON CONFLICT (key) DO UPDATE SET value=to_json(("_registry_".value::text)::bigint+1),timestamp=$3
RETURNING (value::text)::bigint;`,
		key, start, time.Now().UTC()).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("cannot increment key '%s': %w", key, err)
	}
	return value, nil
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) error {
	db := r.Registry.db
	_, err := db.ExecContext(ctx,
		`DELETE FROM `+db.Table("_registry_")+` WHERE key=$1;`,
		r.key(key))
	return err
}

// Keys returns all keys of the accessor, without the prefix
func (r Accessor) Keys(ctx context.Context) ([]string, error) {
	db := r.Registry.db
	prefix := r.key("")
	rows, err := db.QueryContext(ctx,
		`SELECT key FROM `+db.Table("_registry_")+` WHERE starts_with(key, $1) ORDER BY key;`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k[len(prefix):])
	}
	return keys, rows.Err()
}
