// Package qr parses the operator and user QR-code schemas scanned during
// signup. Wifi credential QR codes are handled by the mecard package.
package qr

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// MinPayloadLen is the shortest payload treated as a real QR code; shorter
// decodes are likely false positives of the detector and are ignored.
const MinPayloadLen = 11

// DataPolicy is the user's choice about biometric data retention.
type DataPolicy int

const (
	DataPolicyOptOut DataPolicy = iota
	DataPolicyFullDataOptIn
)

func (p DataPolicy) String() string {
	if p == DataPolicyFullDataOptIn {
		return "full_data_opt_in"
	}
	return "opt_out"
}

// MagicAction is a device-wide action triggered by a special operator QR
// code instead of a signup.
type MagicAction int

const (
	MagicNone MagicAction = iota
	MagicResetWifi
	MagicResetMirror
)

func (a MagicAction) String() string {
	switch a {
	case MagicResetWifi:
		return "reset_wifi_credentials"
	case MagicResetMirror:
		return "reset_mirror_calibration"
	default:
		return "none"
	}
}

// User is a parsed user QR code: either the plain
// "userid:<uuid>:<policy>" form or the longer encoded form carrying a hash
// of the user data stored in the backend.
type User struct {
	UserID       string
	DataPolicy   DataPolicy
	UserDataHash []byte
}

// Operator is a parsed operator QR code: a normal operator identity or a
// magic action keyword.
type Operator struct {
	User  User
	Magic MagicAction
}

var userV2 = regexp.MustCompile(
	`^userid:([a-z0-9]{8}-[a-z0-9]{4}-[a-z0-9]{4}(?:-[a-z0-9]{4}-[a-z0-9]{12})?):(\d{1,10})$`,
)

var magicQR = regexp.MustCompile(`^magic_action:(\w+)$`)

// longForm is the extended user QR: "userid:<uuid>:<policy>:::<hex hash>".
var longForm = regexp.MustCompile(
	`^userid:([a-z0-9-]{8,36}):(\d{1,10}):::([0-9a-f]{2,})$`,
)

// ParseUser decodes a user QR code, or reports ok=false for payloads
// matching neither schema.
func ParseUser(code string) (User, bool) {
	if m := longForm.FindStringSubmatch(code); m != nil {
		hash, err := hex.DecodeString(m[3])
		if err != nil {
			return User{}, false
		}
		return User{
			UserID:       m[1],
			DataPolicy:   parsePolicy(m[2]),
			UserDataHash: hash,
		}, true
	}
	if m := userV2.FindStringSubmatch(code); m != nil {
		return User{UserID: m[1], DataPolicy: parsePolicy(m[2])}, true
	}
	return User{}, false
}

// ParseOperator decodes an operator QR code: the user schema reused for the
// operator identity, or a magic action keyword.
func ParseOperator(code string) (Operator, bool) {
	if user, ok := ParseUser(code); ok {
		return Operator{User: user}, true
	}
	if m := magicQR.FindStringSubmatch(code); m != nil {
		switch m[1] {
		case "reset_wifi_credentials":
			return Operator{Magic: MagicResetWifi}, true
		case "reset_mirror_calibration":
			return Operator{Magic: MagicResetMirror}, true
		}
	}
	return Operator{}, false
}

// IsWifi reports whether the payload looks like a WiFi MECARD string.
func IsWifi(code string) bool {
	return strings.HasPrefix(code, "WIFI:")
}

func parsePolicy(s string) DataPolicy {
	if flag, err := strconv.ParseUint(s, 10, 32); err == nil && flag == 1 {
		return DataPolicyFullDataOptIn
	}
	return DataPolicyOptOut
}
