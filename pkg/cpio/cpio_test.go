package cpio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShellQuoteWrapsInSingleQuotes(t *testing.T) {
	require.Equal(t, "'/tmp/archive.cpio'", shellQuote("/tmp/archive.cpio"))
}
