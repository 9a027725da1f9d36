package collab

import (
	"math/rand"
	"strings"
)

// UserColor es un color de cursor con su variante translúcida.
type UserColor struct {
	Color string `json:"color"`
	Light string `json:"colorLight"`
}

// Paleta de cursores (la misma que usa y-codemirror).
var userColors = []UserColor{
	{Color: "#30bced", Light: "#30bced33"},
	{Color: "#6eeb83", Light: "#6eeb8333"},
	{Color: "#ffbc42", Light: "#ffbc4233"},
	{Color: "#ecd444", Light: "#ecd44433"},
	{Color: "#ee6352", Light: "#ee635233"},
	{Color: "#9ac2c9", Light: "#9ac2c933"},
	{Color: "#8acb88", Light: "#8acb8833"},
	{Color: "#1be7ff", Light: "#1be7ff33"},
}

// Fallbacks para peers que todavía no publicaron user.
const (
	AnonymousName  = "Anonymous"
	AnonymousColor = "#888"
)

// RandomColor elige un color de la paleta.
func RandomColor() UserColor {
	return userColors[rand.Intn(len(userColors))]
}

// Palette devuelve una copia de la paleta.
func Palette() []UserColor {
	out := make([]UserColor, len(userColors))
	copy(out, userColors)
	return out
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// UsernameOrRandom devuelve name o, si está vacío, "peer-" + 9 caracteres base36.
func UsernameOrRandom(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	var sb strings.Builder
	sb.WriteString("peer-")
	for i := 0; i < 9; i++ {
		sb.WriteByte(base36[rand.Intn(len(base36))])
	}
	return sb.String()
}
