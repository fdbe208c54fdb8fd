package signal

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

var adjectives = []string{
	"AMBER", "BRISK", "CEDAR", "DUSTY", "EARLY",
	"FOGGY", "GLAD", "HAZEL", "IVORY", "JOLLY",
	"KEEN", "LUCKY", "MERRY", "NOBLE", "OLIVE",
	"PLUCKY", "QUIET", "RUSTY", "SUNNY", "TIDY",
}

var nouns = []string{
	"ANCHOR", "BADGER", "CANYON", "DINGHY", "EMBER",
	"FALCON", "GECKO", "HARBOR", "IGLOO", "JETTY",
	"KETTLE", "LANTERN", "MEADOW", "NUTMEG", "ORCHID",
	"PEBBLE", "QUARRY", "RAVEN", "SPRUCE", "TULIP",
}

var passwordWords = []string{
	"basil", "comet", "drift", "ember", "fjord",
	"glint", "hatch", "inlet", "jumbo", "knack",
	"lotus", "mango", "nylon", "opal", "pixel",
}

// GenerateRoomCode creates a memorable room code in ADJECTIVE-NOUN-NN format
func GenerateRoomCode() string {
	return fmt.Sprintf("%s-%s-%02d",
		adjectives[rand.IntN(len(adjectives))], nouns[rand.IntN(len(nouns))], rand.IntN(100))
}

// GeneratePassword creates a memorable password in word-NN format (e.g., "comet-42")
func GeneratePassword() string {
	return fmt.Sprintf("%s-%02d", passwordWords[rand.IntN(len(passwordWords))], rand.IntN(100))
}

// NormalizeRoomCode ensures consistent formatting (uppercase, trimmed)
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode checks for WORD-WORD-NN
func ValidateRoomCode(code string) bool {
	parts := strings.Split(code, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || len(parts[2]) != 2 {
		return false
	}
	_, err := strconv.Atoi(parts[2])
	return err == nil
}

// Room is one viewer endpoint. It accepts one sharer at a time.
type Room struct {
	code     string
	password string // optional password for room protection

	mu     sync.Mutex
	busy   bool
	sharer string // remote address of the connected sharer
}

// Code returns the room code.
func (r *Room) Code() string { return r.code }

// Protected reports whether joining needs a password.
func (r *Room) Protected() bool { return r.password != "" }

// Sharer returns the connected sharer's address, or "" when the room is free.
func (r *Room) Sharer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharer
}

func (r *Room) claim(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.busy = true
	r.sharer = addr
	return true
}

func (r *Room) release() {
	r.mu.Lock()
	r.busy = false
	r.sharer = ""
	r.mu.Unlock()
}
