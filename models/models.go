// Package models holds the database row types shared by the SQL storage backend and the repo
// manager.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// DbCID stores a CID in its binary form.
type DbCID struct {
	CID cid.Cid
}

func (dbc *DbCID) Scan(v interface{}) error {
	b, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("dbcids must get bytes!")
	}

	if len(b) == 0 {
		return nil
	}

	c, err := cid.Cast(b)
	if err != nil {
		return err
	}

	dbc.CID = c
	return nil
}

func (dbc DbCID) Value() (driver.Value, error) {
	if !dbc.CID.Defined() {
		return nil, fmt.Errorf("cannot serialize undefined cid to database")
	}
	return dbc.CID.Bytes(), nil
}

func (dbc DbCID) MarshalJSON() ([]byte, error) {
	return json.Marshal(dbc.CID.String())
}

func (dbc *DbCID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	c, err := cid.Decode(s)
	if err != nil {
		return err
	}

	dbc.CID = c
	return nil
}

func (dbc *DbCID) GormDataType() string {
	return "bytes"
}

// RepoBlock is one block held by one repository. The same bytes may be stored once per repository.
type RepoBlock struct {
	Did  string `gorm:"primaryKey"`
	Cid  DbCID  `gorm:"primaryKey"`
	Data []byte
}

// RepoRoot is the head commit of a repository.
type RepoRoot struct {
	Did       string `gorm:"primaryKey"`
	Cid       DbCID
	Rev       string
	UpdatedAt time.Time
}
