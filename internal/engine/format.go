package engine

import (
	"fmt"
	"strings"
)

// Render formats a transcript. JSON returns an empty string since the
// structured transcript is the output.
func Render(t *Transcript, f ResponseFormat) (string, error) {
	if t == nil {
		return "", fmt.Errorf("transcript is nil")
	}
	switch f {
	case FormatJSON, "":
		return "", nil
	case FormatText:
		return t.Text, nil
	case FormatSRT:
		return toSRT(t), nil
	case FormatVTT:
		return toVTT(t), nil
	default:
		return "", fmt.Errorf("unsupported response format %q", f)
	}
}

func toSRT(t *Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", timestamp(seg.Start, ','), timestamp(seg.End, ','))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func toVTT(t *Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", timestamp(seg.Start, '.'), timestamp(seg.End, '.'))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// timestamp renders seconds as HH:MM:SS<sep>mmm.
func timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
