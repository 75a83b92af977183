//go:build go1.18

package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseUserID tests that parsing never panics on arbitrary input
// and always returns either a valid ID or an error.
func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("65f1c2a9e4b0a1b2c3d4e5f6")
	f.Add("MRN-000123")
	f.Add("'; DROP TABLE users;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("MRN-1\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)

		if err == nil {
			roundTrip, err2 := ParseUserID(id.String())
			if err2 != nil {
				t.Errorf("Valid ID failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("Round-trip changed ID value")
			}
			if len(input) > maxIDLength {
				t.Error("Oversized input was accepted")
			}
		}

		if !utf8.ValidString(input) && err == nil {
			t.Error("Non-UTF8 input was accepted")
		}
	})
}

// FuzzParseAllIDs ensures all ID types have consistent behavior.
func FuzzParseAllIDs(f *testing.F) {
	f.Add("65f1c2a9e4b0a1b2c3d4e5f6")
	f.Add("")
	f.Add("in valid")

	f.Fuzz(func(t *testing.T, input string) {
		_, errUser := ParseUserID(input)
		_, errResource := ParseResourceID(input)
		_, errHospital := ParseHospitalID(input)

		if (errUser == nil) != (errResource == nil) || (errUser == nil) != (errHospital == nil) {
			t.Error("Inconsistent parsing across ID types")
		}
	})
}
