package util

import (
	"strings"
	"testing"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		maxLen        int
		preserveWords bool
		want          string
	}{
		{"short", "hello", 10, false, "hello"},
		{"exact", "hello", 5, false, "hello"},
		{"cut", "hello world", 8, false, "hello..."},
		{"preserve words", "hello brave world", 15, true, "hello brave..."},
		{"multibyte", "giá đóng cửa của BTC", 8, false, "giá đ..."},
		{"tiny", "hello", 2, false, ".."},
		{"zero", "hello", 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.in, tt.maxLen, tt.preserveWords); got != tt.want {
				t.Errorf("TruncateString(%q, %d, %v) = %q, want %q", tt.in, tt.maxLen, tt.preserveWords, got, tt.want)
			}
		})
	}
}

func TestLogBody(t *testing.T) {
	body := []byte(strings.Repeat("x", 5000))
	if got := LogBody(body); len([]rune(got)) != MaxLoggedBody {
		t.Errorf("LogBody length = %d, want %d", len([]rune(got)), MaxLoggedBody)
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://min-api.cryptocompare.com/data/histoday?api_key=secret&fsym=BTC", "api_key")
	if strings.Contains(got, "secret") || !strings.Contains(got, "fsym=BTC") {
		t.Errorf("RedactURL leaked or dropped params: %s", got)
	}
	if got := RedactURL("http://n8n:5678/healthz", "api_key"); got != "http://n8n:5678/healthz" {
		t.Errorf("RedactURL changed a clean URL: %s", got)
	}
	if got := RedactURL("http://[::1:bad?api_key=x", "api_key"); strings.Contains(got, "api_key") {
		t.Errorf("RedactURL kept query of invalid URL: %s", got)
	}
}
