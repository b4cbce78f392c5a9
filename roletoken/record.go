package roletoken

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stephnangue/keymaster/helper"
)

// Creator kinds of a role token
const (
	CreatorUser = "user"
	CreatorHost = "host"
)

// Record is the persisted form of a role token. The field set is fixed:
// role, date, expire, creator, user, hostname, ip, port, tenant, base,
// verify. Timestamps are RFC 3339 UTC.
type Record struct {
	Role     string   `json:"role" mapstructure:"role"`
	Date     string   `json:"date" mapstructure:"date"`
	Expire   string   `json:"expire" mapstructure:"expire"`
	Creator  string   `json:"creator" mapstructure:"creator"`
	User     string   `json:"user" mapstructure:"user"`
	Hostname string   `json:"hostname" mapstructure:"hostname"`
	IP       string   `json:"ip" mapstructure:"ip"`
	Port     int      `json:"port" mapstructure:"port"`
	Tenant   string   `json:"tenant" mapstructure:"tenant"`
	Base     []int    `json:"base" mapstructure:"base"`
	Verify   []int    `json:"verify" mapstructure:"verify"`
}

// Encode serializes the record for persistence
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord deserializes a persisted record. The bytes are decoded to a
// generic map first and mapped onto the struct so unknown fields written
// by other deployments are tolerated.
func DecodeRecord(value []byte) (*Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("corrupt role token record: %w", err)
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
		return nil, fmt.Errorf("corrupt role token record: %w", err)
	}
	return &record, nil
}

// Validate checks that every required field is present and the word arrays
// have the right shape, returning the decoded words.
func (r *Record) Validate() (base Words, verify Words, err error) {
	switch {
	case r.Role == "":
		return base, verify, fmt.Errorf("record is missing the role")
	case r.Tenant == "":
		return base, verify, fmt.Errorf("record is missing the tenant")
	case r.Expire == "":
		return base, verify, fmt.Errorf("record is missing the expiry")
	case r.Creator != CreatorUser && r.Creator != CreatorHost:
		return base, verify, fmt.Errorf("record has unknown creator kind %q", r.Creator)
	case r.Creator == CreatorUser && r.User == "":
		return base, verify, fmt.Errorf("user-created record is missing the user")
	case r.Creator == CreatorHost && r.IP == "":
		return base, verify, fmt.Errorf("host-created record is missing the ip")
	}

	base, err = wordsFromInts(r.Base, "base")
	if err != nil {
		return base, verify, err
	}
	verify, err = wordsFromInts(r.Verify, "verify")
	if err != nil {
		return base, verify, err
	}
	return base, verify, nil
}

// ExpiresAt parses the record's expiry timestamp
func (r *Record) ExpiresAt() (time.Time, error) {
	return helper.ParseTime(r.Expire)
}
