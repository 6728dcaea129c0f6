package handler

import (
	"encoding/json"
	"testing"
)

func TestDecodeInput(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain string", raw: `"ls -la\n"`, want: "ls -la\n"},
		{name: "empty string", raw: `""`, want: ""},
		{name: "unicode string", raw: `"héllo"`, want: "héllo"},
		{name: "byte array", raw: `[104, 105, 10]`, want: "hi\n"},
		{name: "empty array", raw: `[]`, want: ""},
		{name: "ctrl-c byte", raw: `[3]`, want: "\x03"},
		{name: "byte 255", raw: `[255]`, want: "\xff"},
		{name: "byte out of range high", raw: `[256]`, wantErr: true},
		{name: "byte out of range negative", raw: `[-1]`, wantErr: true},
		{name: "fractional byte", raw: `[1.5]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
		{name: "object", raw: `{"a":1}`, wantErr: true},
		{name: "boolean", raw: `true`, wantErr: true},
		{name: "missing", raw: ``, wantErr: true},
		{name: "array of strings", raw: `["a"]`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeInput(json.RawMessage(tc.raw), 1024)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("decoded %q to %q, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeInput failed: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeInputSizeLimit(t *testing.T) {
	big := make([]byte, 20)
	for i := range big {
		big[i] = 'x'
	}
	raw, _ := json.Marshal(string(big))

	if _, err := DecodeInput(raw, 20); err != nil {
		t.Errorf("input at the limit rejected: %v", err)
	}
	if _, err := DecodeInput(raw, 19); err == nil {
		t.Error("input over the limit accepted")
	}

	if _, err := DecodeInput(json.RawMessage(`[1,2,3]`), 2); err == nil {
		t.Error("byte array over the limit accepted")
	}
}
