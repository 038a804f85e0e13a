package mecard

import "testing"

func TestParse_Simple(t *testing.T) {
	creds, err := Parse("WIFI:T:WPA;S:mynetwork;P:mypass;;")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if creds.Auth != AuthWpa {
		t.Errorf("auth = %v, want WPA", creds.Auth)
	}
	if creds.SSID != "mynetwork" {
		t.Errorf("ssid = %q, want %q", creds.SSID, "mynetwork")
	}
	if creds.Password == nil || *creds.Password != "mypass" {
		t.Errorf("password = %v, want mypass", creds.Password)
	}
	if creds.Hidden {
		t.Error("hidden = true, want false")
	}
}

func TestParse_Escaped(t *testing.T) {
	creds, err := Parse(`WIFI:S:\"foo\;bar\\baz\";;`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if creds.Auth != AuthNopass {
		t.Errorf("auth = %v, want nopass", creds.Auth)
	}
	if want := `"foo;bar\baz"`; creds.SSID != want {
		t.Errorf("ssid = %q, want %q", creds.SSID, want)
	}
	if creds.Password != nil {
		t.Errorf("password = %q, want nil", *creds.Password)
	}
	if creds.Hidden {
		t.Error("hidden = true, want false")
	}
}

func TestParse_Quoted(t *testing.T) {
	creds, err := Parse(`WIFI:S:"\"foo\;bar\\baz\"";P:"mypass";;`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if want := `"foo;bar\baz"`; creds.SSID != want {
		t.Errorf("ssid = %q, want %q", creds.SSID, want)
	}
	if creds.Password == nil || *creds.Password != "mypass" {
		t.Errorf("password = %v, want mypass", creds.Password)
	}
}

func TestParse_HexString(t *testing.T) {
	creds, err := Parse("WIFI:S:776f726c64636f696e;;")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if creds.SSID != "worldcoin" {
		t.Errorf("ssid = %q, want %q", creds.SSID, "worldcoin")
	}
	if creds.Password != nil {
		t.Error("password should be nil")
	}
}

func TestParse_DifferentOrder(t *testing.T) {
	creds, err := Parse("WIFI:P:mypass;H:true;S:mynetwork;T:WPA;;")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if creds.Auth != AuthWpa || creds.SSID != "mynetwork" || !creds.Hidden {
		t.Errorf("got %+v", creds)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, input := range []string{
		`WIFI:S:"foo;bar\baz";;`,                          // unescaped specials
		"WIFI:P:mypass;T:WPA;H:true;;",                    // missing ssid
		"WIFI:H:true;P:mypass;T:WPA;S:mynetwork;P:dup;;",  // duplicate field
		"WIFI:T:WPA;S:mynetwork;P:mypass;;garbage",        // trailing garbage
		"MECARD:S:mynetwork;;",                            // wrong prefix
	} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", input)
		}
	}
}

func TestPrintParse_RoundTrip(t *testing.T) {
	pw := func(s string) *string { return &s }
	tests := []Credentials{
		{Auth: AuthWpa, SSID: "mynetwork", Password: pw("mypass")},
		{Auth: AuthNopass, SSID: `"foo;bar\baz"`},
		{Auth: AuthSae, SSID: "hidden net", Password: pw("p:w,d"), Hidden: true},
		{Auth: AuthWep, SSID: "deadbeef"}, // hex-lookalike must survive
		{Auth: AuthNopass, SSID: "a"},
	}
	for _, want := range tests {
		got, err := Parse(Print(want))
		if err != nil {
			t.Fatalf("Parse(Print(%+v)): %v", want, err)
		}
		if got.Auth != want.Auth || got.SSID != want.SSID || got.Hidden != want.Hidden {
			t.Errorf("round trip %+v -> %+v", want, got)
		}
		switch {
		case (got.Password == nil) != (want.Password == nil):
			t.Errorf("round trip password presence %+v -> %+v", want, got)
		case got.Password != nil && *got.Password != *want.Password:
			t.Errorf("round trip password %q -> %q", *want.Password, *got.Password)
		}
	}
}
