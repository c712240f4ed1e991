package gcoap

import (
	"bytes"
	"testing"
)

func TestBuildHeaderAndParseRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		typ   uint8
		code  Code
		token []byte
	}{
		{"no token", TypeConfirmable, CodeGET, nil},
		{"short token", TypeNonConfirmable, CodePOST, []byte{0x01, 0x02}},
		{"max token", TypeConfirmable, CodeGET, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, 32)
			n, err := BuildHeader(buf, tc.typ, tc.token, tc.code, 0x1234)
			if err != nil {
				t.Fatalf("BuildHeader: %v", err)
			}
			pkt, err := Parse(buf[:n])
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if pkt.Type != tc.typ || pkt.Code != tc.code || pkt.MsgID != 0x1234 {
				t.Fatalf("header mismatch: %+v", pkt)
			}
			if !bytes.Equal(pkt.Token, tc.token) {
				t.Fatalf("token mismatch: got %v want %v", pkt.Token, tc.token)
			}
		})
	}
}

func TestBuildHeaderTokenTooLong(t *testing.T) {
	buf := make([]byte, 32)
	_, err := BuildHeader(buf, TypeConfirmable, make([]byte, 9), CodeGET, 1)
	if err == nil {
		t.Fatal("expected error for 9-byte token")
	}
}

func TestFinishAndParseRoundTrip(t *testing.T) {
	req := &Packet{
		Type:          TypeConfirmable,
		Code:          CodeGET,
		MsgID:         7,
		Token:         []byte{0xAB},
		URIPath:       "/sensors/temp",
		URIQuery:      "u=C",
		ContentFormat: ContentFormatNone,
	}
	buf := make([]byte, 64)
	n, err := req.Finish(buf, []byte("payload"))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.URIPath != "/sensors/temp" {
		t.Errorf("URIPath = %q, want /sensors/temp", got.URIPath)
	}
	if got.URIQuery != "u=C" {
		t.Errorf("URIQuery = %q, want u=C", got.URIQuery)
	}
	if !bytes.Equal(got.Payload, []byte("payload")) {
		t.Errorf("Payload = %q, want payload", got.Payload)
	}
	if got.MsgID != 7 || got.Code != CodeGET {
		t.Errorf("header fields mismatch: %+v", got)
	}
}

func TestFinishWithObserveAndContentFormat(t *testing.T) {
	resp := &Packet{
		Type:          TypeNonConfirmable,
		Code:          CodeContent,
		MsgID:         99,
		Token:         []byte{0x01},
		HasObserve:    true,
		Observe:       42,
		ContentFormat: ContentFormatLinkFormat,
	}
	buf := make([]byte, 64)
	n, err := resp.Finish(buf, []byte("</a>,</b>"))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.HasObserve || got.Observe != 42 {
		t.Errorf("Observe = (%v, %d), want (true, 42)", got.HasObserve, got.Observe)
	}
	if got.ContentFormat != ContentFormatLinkFormat {
		t.Errorf("ContentFormat = %d, want %d", got.ContentFormat, ContentFormatLinkFormat)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	buf := []byte{0x00, byte(CodeGET), 0x00, 0x01}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for version 0")
	}
}

func TestParseRejectsTruncatedToken(t *testing.T) {
	buf := []byte{0x42, byte(CodeGET), 0x00, 0x01} // TKL=2 but no token bytes follow
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for truncated token")
	}
}

func TestParseRejectsEmptyPayloadAfterMarker(t *testing.T) {
	buf := []byte{0x40, byte(CodeGET), 0x00, 0x01, payloadMarker}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for payload marker with no payload")
	}
}

func TestParseRejectsUnknownCriticalOption(t *testing.T) {
	// Option number 9 (odd, critical, unrecognized by this package) with
	// a 1-byte value.
	buf := []byte{0x40, byte(CodeGET), 0x00, 0x01, 0x91, 0x00}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for unrecognized critical option")
	}
}

func TestCodeString(t *testing.T) {
	if got := CodeContent.String(); got != "2.05" {
		t.Errorf("CodeContent.String() = %q, want 2.05", got)
	}
	if got := CodeNotFound.String(); got != "4.04" {
		t.Errorf("CodeNotFound.String() = %q, want 4.04", got)
	}
}

func TestAddQueryStringAppendsAmpersandJoined(t *testing.T) {
	p := &Packet{}
	if _, err := p.AddQueryString("a", "1", 64); err != nil {
		t.Fatalf("AddQueryString: %v", err)
	}
	if _, err := p.AddQueryString("b", "", 64); err != nil {
		t.Fatalf("AddQueryString: %v", err)
	}
	if p.URIQuery != "a=1&b" {
		t.Errorf("URIQuery = %q, want a=1&b", p.URIQuery)
	}
}

func TestAddQueryStringRejectsOverMax(t *testing.T) {
	p := &Packet{URIQuery: "a=1"}
	if _, err := p.AddQueryString("key", "verylongvalue", 6); err == nil {
		t.Fatal("expected ErrBufferTooSmall for an over-max query string")
	}
}

func TestMethodToFlag(t *testing.T) {
	if MethodToFlag(CodeGET) != MethodGet {
		t.Error("GET did not map to MethodGet")
	}
	if MethodToFlag(CodeContent) != 0 {
		t.Error("response code should not map to a method flag")
	}
}
