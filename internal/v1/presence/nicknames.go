package presence

import "math/rand"

// Adjectives and Animals back the default "{Adjective} {Animal}" nickname
// generator (§4.6 "identity"). Declared as small static tables in the same
// declarative-var-block style as internal/v1/metrics.
var Adjectives = []string{
	"Quick", "Clever", "Curious", "Gentle", "Bright", "Nimble", "Plucky",
	"Sunny", "Witty", "Bold", "Calm", "Eager", "Jolly", "Lucky", "Merry",
	"Sly", "Spry", "Zesty", "Breezy", "Chipper",
}

var Animals = []string{
	"Otter", "Falcon", "Badger", "Heron", "Fox", "Lynx", "Puffin", "Mole",
	"Wren", "Hare", "Newt", "Raven", "Stoat", "Tern", "Vole", "Weasel",
	"Ibis", "Dingo", "Kiwi", "Pika",
}

// RandomNickname generates a "{Adjective} {Animal}" default nickname (§4.6).
// rng is injected so callers can make generation deterministic in tests.
func RandomNickname(rng *rand.Rand) string {
	adj := Adjectives[rng.Intn(len(Adjectives))]
	animal := Animals[rng.Intn(len(Animals))]
	return adj + " " + animal
}
