package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My cool movie.mov", "My_cool_movie.mov"},
		{"../../../etc/passwd", "etc_passwd"},
		{`..\..\windows\system32.dll`, "windows_system32.dll"},
		{"i contain cool ümläuts.txt", "i_contain_cool_umlauts.txt"},
		{"CON.txt", "_CON.txt"},
		{"lpt1", "_lpt1"},
		{"  spaced   out  .png", "spaced_out_.png"},
		{"photo (1).jpg", "photo_1.jpg"},
		{".hidden.png", "hidden.png"},
		{"日本語", ""},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, secureFilename(tt.in))
		})
	}
}

func TestSecureFilename_Truncates(t *testing.T) {
	got := secureFilename(strings.Repeat("a", 300) + ".jpeg")

	assert.Len(t, got, maxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".jpeg"))
}
