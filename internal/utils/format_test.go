package utils

import (
	"testing"
	"time"
)

func TestFormatCount(t *testing.T) {
	testCases := []struct {
		value    uint64
		expected string
	}{
		{0, "0"},
		{7, "7"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, testCase := range testCases {
		if result := FormatCount(testCase.value); result != testCase.expected {
			t.Fatalf("FormatCount(%d) = %q, want %q", testCase.value, result, testCase.expected)
		}
	}
}

func TestFormatFileSize(t *testing.T) {
	testCases := []struct {
		bytes    int64
		expected string
	}{
		{0, "0b"},
		{512, "512b"},
		{2048, "2kb"},
		{1536, "1.5kb"},
		{10 * 1024 * 1024, "10mb"},
	}
	for _, testCase := range testCases {
		if result := FormatFileSize(testCase.bytes); result != testCase.expected {
			t.Fatalf("FormatFileSize(%d) = %q, want %q", testCase.bytes, result, testCase.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if result := FormatDuration(1500 * time.Microsecond); result != "1.500ms" {
		t.Fatalf("FormatDuration = %q, want 1.500ms", result)
	}
}
