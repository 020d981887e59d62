package errors

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantMsg string
		wantCat Category
		wantOK  bool
	}{
		{"token expired", 40142, "Token expired", CategoryToken, true},
		{"bad request", 40000, "Bad request", CategoryClient, true},
		{"attach timeout", 90007, "Channel attach timed out", CategoryChannel, true},
		{"unknown", 12345, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, ok := Lookup(tt.code)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%d) ok = %v, want %v", tt.code, ok, tt.wantOK)
			}
			if tmpl.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", tmpl.Message, tt.wantMsg)
			}
			if tmpl.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", tmpl.Category, tt.wantCat)
			}
		})
	}
}

func TestCategoryOfUnregisteredRanges(t *testing.T) {
	tests := []struct {
		code int
		want Category
	}{
		{40149, CategoryToken},
		{40199, CategoryAuth},
		{40399, CategoryForbidden},
		{42999, CategoryRateLimit},
		{50999, CategoryServer},
		{80999, CategoryConnection},
		{90999, CategoryChannel},
		{7, CategoryUnknown},
	}
	for _, tt := range tests {
		if got := CategoryOf(tt.code); got != tt.want {
			t.Errorf("CategoryOf(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		code, status int
		want         bool
	}{
		{40000, 400, true},
		{40101, 401, true},
		{40142, 401, false}, // token expired: renewable
		{40300, 403, true},
		{42910, 429, false},
		{50000, 500, false},
		{80003, 400, false},
		{80000, 400, true},
		{80019, 401, false}, // token request failed: retried
		{90001, 400, true},
		{90007, 408, false},
		{0, 400, true},
		{0, 503, false},
		{0, 408, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code, "/", tt.status), func(t *testing.T) {
			if got := IsFatal(tt.code, tt.status); got != tt.want {
				t.Errorf("IsFatal(%d, %d) = %v, want %v", tt.code, tt.status, got, tt.want)
			}
			if IsRetryable(tt.code, tt.status) == tt.want && !IsTokenError(tt.code) {
				t.Errorf("IsRetryable(%d, %d) should be the inverse of IsFatal", tt.code, tt.status)
			}
		})
	}
}

func TestIsTokenError(t *testing.T) {
	for code := 40140; code < 40150; code++ {
		if !IsTokenError(code) {
			t.Errorf("IsTokenError(%d) = false", code)
		}
	}
	for _, code := range []int{40139, 40150, 40100, 50000} {
		if IsTokenError(code) {
			t.Errorf("IsTokenError(%d) = true", code)
		}
	}
}

func TestHref(t *testing.T) {
	if got := Href(40142); got != HrefBase+"40142" {
		t.Errorf("Href(40142) = %q", got)
	}
	if got := Href(0); got != "" {
		t.Errorf("Href(0) = %q, want empty", got)
	}
}

func TestCodesSorted(t *testing.T) {
	codes := Codes()
	if len(codes) == 0 {
		t.Fatal("no codes registered")
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("codes not sorted at %d: %d >= %d", i, codes[i-1], codes[i])
		}
	}
}

func TestRegister(t *testing.T) {
	Register(99999, Template{Category: CategoryChannel, StatusCode: 400, Message: "test code"})
	defer delete(registry, 99999)

	if Message(99999) != "test code" {
		t.Errorf("Message(99999) = %q", Message(99999))
	}
}

type codedErr struct{ code int }

func (e codedErr) Error() string  { return "boom" }
func (e codedErr) ErrorCode() int { return e.code }

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := Format(fmt.Errorf("connect: %w", codedErr{40142}))
	for _, want := range []string{"ERROR ", "40142", "token", "Learn more: " + HrefBase + "40142", "Hint:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() = %q, missing %q", out, want)
		}
	}

	plain := Format(fmt.Errorf("plain failure"))
	if plain != "ERROR plain failure" {
		t.Errorf("Format(plain) = %q", plain)
	}

	var buf bytes.Buffer
	FprintError(&buf, codedErr{50000})
	if !strings.Contains(buf.String(), "50000 (server)") {
		t.Errorf("FprintError wrote %q", buf.String())
	}
}
