package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// tokens formats a token count with thousands separators.
func tokens(n int) string {
	return humanize.Comma(int64(n))
}

// money formats a dollar amount with enough precision for per-call costs.
func money(v float64) string {
	switch {
	case v != 0 && v < 0.01:
		return fmt.Sprintf("$%.4f", v)
	case v >= 1000:
		return "$" + humanize.Comma(int64(v))
	}
	return fmt.Sprintf("$%.2f", v)
}

func percent(v float64) string {
	return humanize.FtoaWithDigits(v*100, 1) + "%"
}
