package remailer

import (
	"errors"
	"testing"
)

// exchange runs a mechanism against a list of challenges and returns every
// response, the initial one first.
func exchange(t *testing.T, mech SASLMechanism, challenges ...string) []string {
	t.Helper()
	var out []string
	resp, err := mech.Start()
	if err != nil {
		t.Fatalf("%s Start: %v", mech.Name(), err)
	}
	if resp != nil {
		out = append(out, string(resp))
	}
	for _, c := range challenges {
		resp, err := mech.Next([]byte(c))
		if err != nil {
			t.Fatalf("%s Next(%q): %v", mech.Name(), c, err)
		}
		out = append(out, string(resp))
	}
	return out
}

func TestPlainAuth(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"", "\x00tester\x00tester"},
		{"admin", "admin\x00tester\x00tester"},
	}
	for _, tt := range tests {
		mech := PlainAuth(tt.identity, "tester", "tester")
		got := exchange(t, mech)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("PLAIN(%q) = %q, want [%q]", tt.identity, got, tt.want)
		}
		if _, err := mech.Next([]byte("more")); !errors.Is(err, ErrUnexpectedChallenge) {
			t.Errorf("PLAIN Next error = %v, want ErrUnexpectedChallenge", err)
		}
	}
}

func TestLoginAuth(t *testing.T) {
	mech := LoginAuth("user", "pass")
	got := exchange(t, mech, "Username:", "Password:")
	if len(got) != 2 || got[0] != "user" || got[1] != "pass" {
		t.Fatalf("LOGIN responses = %q", got)
	}
	if _, err := mech.Next(nil); !errors.Is(err, ErrUnexpectedChallenge) {
		t.Errorf("third challenge error = %v, want ErrUnexpectedChallenge", err)
	}
}

func TestCramMD5Auth(t *testing.T) {
	// RFC 2195 §2 example exchange.
	mech := CramMD5Auth("tim", "tanstaaftanstaaf")
	got := exchange(t, mech, "<1896.697170952@postoffice.reston.mci.net>")
	want := "tim b913a602c7eda7a495b4e6e7334d3890"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("CRAM-MD5 = %q, want [%q]", got, want)
	}
	if _, err := mech.Next([]byte("again")); !errors.Is(err, ErrUnexpectedChallenge) {
		t.Errorf("second challenge error = %v", err)
	}
}

func TestSelectMechanism(t *testing.T) {
	tests := []struct {
		advertised []string
		want       string
	}{
		{[]string{"LOGIN", "PLAIN"}, "PLAIN"},
		{[]string{"login"}, "LOGIN"},
		{[]string{"CRAM-MD5", "LOGIN"}, "LOGIN"},
		{[]string{"cram-md5"}, "CRAM-MD5"},
		{[]string{"XOAUTH2", "GSSAPI"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		got := ""
		if mech := SelectMechanism(tt.advertised, "user", "pass"); mech != nil {
			got = mech.Name()
		}
		if got != tt.want {
			t.Errorf("SelectMechanism(%v) = %q, want %q", tt.advertised, got, tt.want)
		}
	}
}
