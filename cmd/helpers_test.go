package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestExpandPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "empty path",
			input:   "",
			wantErr: true,
		},
		{
			name:    "absolute path",
			input:   "/tmp/test",
			wantErr: false,
		},
		{
			name:    "home path",
			input:   "~/test",
			wantErr: false,
		},
		{
			name:    "relative path",
			input:   "test/path",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandPath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("expandPath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && result == "" {
				t.Errorf("expandPath(%q) returned empty string", tt.input)
			}
		})
	}
}

func TestCenterString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		width    int
		expected string
	}{
		{
			name:     "string shorter than width",
			input:    "test",
			width:    10,
			expected: "   test   ",
		},
		{
			name:     "string equal to width",
			input:    "test",
			width:    4,
			expected: "test",
		},
		{
			name:     "string longer than width",
			input:    "testing",
			width:    4,
			expected: "testing",
		},
		{
			name:     "odd padding",
			input:    "ab",
			width:    5,
			expected: " ab  ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := centerString(tt.input, tt.width)
			if result != tt.expected {
				t.Errorf("centerString(%q, %d) = %q, want %q", tt.input, tt.width, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "string shorter than max",
			input:    "test",
			maxLen:   10,
			expected: "test",
		},
		{
			name:     "string equal to max",
			input:    "test",
			maxLen:   4,
			expected: "test",
		},
		{
			name:     "string longer than max",
			input:    "testing",
			maxLen:   5,
			expected: "te...",
		},
		{
			name:     "max length 3",
			input:    "testing",
			maxLen:   3,
			expected: "tes",
		},
		{
			name:     "max length 2",
			input:    "testing",
			maxLen:   2,
			expected: "te",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestBoxWidth(t *testing.T) {
	if boxWidth != 64 {
		t.Errorf("boxWidth = %d, want 64", boxWidth)
	}
}

func TestPrintBoxFunctions(t *testing.T) {
	t.Run("printBoxLine pads to box width", func(t *testing.T) {
		var buf bytes.Buffer

		printBoxLine(&buf, "Label", "Value")

		line := strings.TrimSuffix(buf.String(), "\n")
		if got := len([]rune(line)); got != boxWidth {
			t.Errorf("line width = %d, want %d", got, boxWidth)
		}
	})

	t.Run("printBoxLine with long content", func(t *testing.T) {
		var buf bytes.Buffer

		printBoxLine(&buf, "Very Long Label", "This is a very long value that exceeds the box width")

		line := strings.TrimSuffix(buf.String(), "\n")
		if got := len([]rune(line)); got != boxWidth {
			t.Errorf("line width = %d, want %d", got, boxWidth)
		}

		if !strings.Contains(line, "...") {
			t.Errorf("long content was not truncated: %q", line)
		}
	})

	t.Run("printInfoBox", func(t *testing.T) {
		var buf bytes.Buffer

		items := map[string]string{
			"Name":   "test",
			"Status": "active",
		}
		printInfoBox(&buf, "Test Box", items, []string{"Status", "Name"})

		out := buf.String()
		if !strings.Contains(out, "Test Box") {
			t.Errorf("title missing from %q", out)
		}

		if strings.Index(out, "Status: active") > strings.Index(out, "Name: test") {
			t.Errorf("items not printed in order: %q", out)
		}
	})

	t.Run("printInfoBox with missing key", func(t *testing.T) {
		var buf bytes.Buffer

		printInfoBox(&buf, "Test Box", map[string]string{"Name": "test"}, []string{"Name", "Missing"})

		if strings.Contains(buf.String(), "Missing") {
			t.Errorf("missing key was printed: %q", buf.String())
		}

		// header has three lines, one item, one footer
		if got := strings.Count(buf.String(), "\n"); got != 5 {
			t.Errorf("line count = %d, want 5", got)
		}
	})
}
