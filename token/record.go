package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stephnangue/keymaster/helper"
)

// Record is the persisted form of a user token, keyed by the token id
// itself. Path points back at the user-side pointer key, which doubles as
// the revocation marker: a token whose pointer is gone no longer verifies
// even while the record lingers.
type Record struct {
	Path   string `json:"path" mapstructure:"path"`
	User   string `json:"user" mapstructure:"user"`
	Tenant string `json:"tenant,omitempty" mapstructure:"tenant"`
	Region string `json:"region" mapstructure:"region"`
	Seed   string `json:"seed,omitempty" mapstructure:"seed"`
	Expire string `json:"expire,omitempty" mapstructure:"expire"` // empty = no expiry
}

// Scoped reports whether the token is bound to a tenant
func (r *Record) Scoped() bool {
	return r.Tenant != ""
}

// Encode serializes the record for persistence
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord deserializes a persisted record, tolerating unknown fields
// written by other deployments.
func DecodeRecord(value []byte) (*Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("corrupt user token record: %w", err)
	}

	var record Record
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &record,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("corrupt user token record: %w", err)
	}
	if record.Path == "" || record.User == "" {
		return nil, fmt.Errorf("user token record is missing its path or user")
	}
	return &record, nil
}

// ExpiresAt parses the record's expiry. The zero time means no expiry.
func (r *Record) ExpiresAt() (time.Time, error) {
	if r.Expire == "" {
		return time.Time{}, nil
	}
	return helper.ParseTime(r.Expire)
}

// ExpiredAt reports whether the record is expired at the given instant
func (r *Record) ExpiredAt(now time.Time) bool {
	expiresAt, err := r.ExpiresAt()
	if err != nil {
		return true
	}
	return !expiresAt.IsZero() && now.After(expiresAt)
}
