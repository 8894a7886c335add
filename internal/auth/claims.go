package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// Claims holds the registered JWT claims the gateway cares about.
type Claims struct {
	Subject   string       `json:"sub"`
	Issuer    string       `json:"iss"`
	Audience  Audience     `json:"aud"`
	ExpiresAt *NumericDate `json:"exp"`
	NotBefore *NumericDate `json:"nbf"`
	IssuedAt  *NumericDate `json:"iat"`
}

// Identity is the validated caller identity attached to a request.
type Identity struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// Audience is a JWT audience claim, which may be encoded as a single
// string or an array of strings.
type Audience []string

// UnmarshalJSON accepts both string and array forms.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("audience must be a string or array of strings")
	}
	*a = Audience(multi)
	return nil
}

// MarshalJSON encodes a single-element audience as a plain string.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// ContainsAny reports whether the audience contains any of the given values.
func (a Audience) ContainsAny(values ...string) bool {
	for _, v := range values {
		for _, aud := range a {
			if aud == v {
				return true
			}
		}
	}
	return false
}

// NumericDate is a JWT NumericDate: seconds since the Unix epoch,
// possibly fractional.
type NumericDate struct {
	time.Time
}

// UnmarshalJSON parses a numeric timestamp.
func (d *NumericDate) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("numeric date must be a number")
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	d.Time = time.Unix(sec, nsec)
	return nil
}

// MarshalJSON encodes the timestamp as Unix seconds.
func (d NumericDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Unix())
}
