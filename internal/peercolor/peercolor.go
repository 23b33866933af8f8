// Package peercolor assigns each peer a stable display color so every
// participant renders a given collaborator the same way.
package peercolor

import "strconv"

// Palette is the set of cursor colors peers are mapped onto.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#FFB347", "#87CEEB", "#F0E68C", "#FFE4E1",
}

// ForPeer returns a color for the peer id. The same id always maps to the
// same color; an empty id gets the first palette entry.
func ForPeer(peerID string) string {
	if peerID == "" {
		return Palette[0]
	}
	sum := 0
	for _, b := range []byte(peerID) {
		sum += int(b)
	}
	return Palette[sum%len(Palette)]
}

// ContrastText returns "#000000" or "#ffffff", whichever reads better on
// the given hex background color. Short three-digit hex codes are accepted,
// with or without the leading '#'.
func ContrastText(background string) string {
	hex := background
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}

	var r, g, b int64
	if len(hex) == 3 {
		r, _ = strconv.ParseInt(string([]byte{hex[0], hex[0]}), 16, 0)
		g, _ = strconv.ParseInt(string([]byte{hex[1], hex[1]}), 16, 0)
		b, _ = strconv.ParseInt(string([]byte{hex[2], hex[2]}), 16, 0)
	} else if len(hex) >= 6 {
		r, _ = strconv.ParseInt(hex[0:2], 16, 0)
		g, _ = strconv.ParseInt(hex[2:4], 16, 0)
		b, _ = strconv.ParseInt(hex[4:6], 16, 0)
	}

	luminance := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 255
	if luminance > 0.5 {
		return "#000000"
	}
	return "#ffffff"
}
