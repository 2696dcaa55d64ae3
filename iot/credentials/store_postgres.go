// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotgate/core/csql"
)

// PostgresStore persists credential records in a sql database
type PostgresStore struct {
	db *csql.DB
}

// NewPostgresStore creates the credential table if it does not exist yet
func NewPostgresStore(db *csql.DB) (*PostgresStore, error) {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_credential_"
(device_id varchar NOT NULL,
digest varchar NOT NULL,
metadata json NOT NULL,
registered_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create credential table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save writes a record. An existing record of the same device is replaced.
func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_credential_"(device_id,digest,metadata,registered_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (device_id) DO UPDATE SET digest=$2,metadata=$3,registered_at=$4;`,
		record.DeviceID, hex.EncodeToString(record.Digest), string(metadata), record.RegisteredAt.UTC())
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write credential of %s", record.DeviceID)
	}
	return nil
}

// List returns all stored records
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id,digest,metadata,registered_at FROM `+s.db.Schema+`."_credential_";`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record    Record
			digestHex string
			metadata  []byte
			at        time.Time
		)
		if err := rows.Scan(&record.DeviceID, &digestHex, &metadata, &at); err != nil {
			return nil, err
		}
		if record.Digest, err = hex.DecodeString(digestHex); err != nil {
			return nil, fmt.Errorf("invalid digest of %s: %w", record.DeviceID, err)
		}
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata of %s: %w", record.DeviceID, err)
		}
		record.RegisteredAt = at
		records = append(records, record)
	}
	return records, rows.Err()
}
