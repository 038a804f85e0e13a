package qr

import (
	"bytes"
	"testing"
)

func TestParseUser_V2(t *testing.T) {
	user, ok := ParseUser("userid:3bcf883d-ce22-4a03-8608-4a8a01b88d4d:1")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if user.UserID != "3bcf883d-ce22-4a03-8608-4a8a01b88d4d" {
		t.Errorf("user id = %q", user.UserID)
	}
	if user.DataPolicy != DataPolicyFullDataOptIn {
		t.Errorf("policy = %v, want full opt-in", user.DataPolicy)
	}
	if user.UserDataHash != nil {
		t.Error("unexpected user data hash")
	}
}

func TestParseUser_ShortenedUUID(t *testing.T) {
	user, ok := ParseUser("userid:3bcf883d-ce22-4a03:1")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if user.UserID != "3bcf883d-ce22-4a03" {
		t.Errorf("user id = %q", user.UserID)
	}
}

func TestParseUser_LongForm(t *testing.T) {
	user, ok := ParseUser("userid:cf37084e-5087-484c-b5a3-3ca3c34016d1:1:::deadbeef01")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if !bytes.Equal(user.UserDataHash, []byte{0xde, 0xad, 0xbe, 0xef, 0x01}) {
		t.Errorf("hash = %x", user.UserDataHash)
	}
}

func TestParseUser_OtherPolicyIsOptOut(t *testing.T) {
	user, ok := ParseUser("userid:3bcf883d-ce22-4a03-8608-4a8a01b88d4d:7")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if user.DataPolicy != DataPolicyOptOut {
		t.Errorf("policy = %v, want opt-out", user.DataPolicy)
	}
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		code  string
		ok    bool
		magic MagicAction
	}{
		{"userid:66ad4897-0ca7-4727-8365-ca808348e3cd:1", true, MagicNone},
		{"magic_action:reset_wifi_credentials", true, MagicResetWifi},
		{"magic_action:reset_mirror_calibration", true, MagicResetMirror},
		{"magic_action:burn_and_destroy_everything", false, MagicNone},
		{"random_text", false, MagicNone},
	}
	for _, tt := range tests {
		op, ok := ParseOperator(tt.code)
		if ok != tt.ok {
			t.Errorf("ParseOperator(%q) ok = %v, want %v", tt.code, ok, tt.ok)
			continue
		}
		if ok && op.Magic != tt.magic {
			t.Errorf("ParseOperator(%q) magic = %v, want %v", tt.code, op.Magic, tt.magic)
		}
	}
}
