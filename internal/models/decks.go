package models

// Deck is an ordered list of valid card values. Order matters: statistics
// tie-breaks on mode use deck order, and clients render cards in this order.
type Deck struct {
	Name  string   `json:"name"`
	Cards []string `json:"cards"`
}

// Contains reports whether value is a card in the deck.
func (d Deck) Contains(value string) bool {
	for _, c := range d.Cards {
		if c == value {
			return true
		}
	}
	return false
}

// IndexOf returns the position of value in the deck, or -1.
func (d Deck) IndexOf(value string) int {
	for i, c := range d.Cards {
		if c == value {
			return i
		}
	}
	return -1
}

// DefaultDeckName is used when a room config names no deck.
const DefaultDeckName = "fibonacci"

// deckCatalog holds the built-in decks, loaded once and read-only.
var deckCatalog = map[string]Deck{
	"fibonacci": {
		Name:  "fibonacci",
		Cards: []string{"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89", "?", "coffee"},
	},
	"modified-fibonacci": {
		Name:  "modified-fibonacci",
		Cards: []string{"0", "0.5", "1", "2", "3", "5", "8", "13", "20", "40", "100", "?", "coffee"},
	},
	"tshirt": {
		Name:  "tshirt",
		Cards: []string{"XS", "S", "M", "L", "XL", "XXL", "?", "coffee"},
	},
	"powers-of-2": {
		Name:  "powers-of-2",
		Cards: []string{"1", "2", "4", "8", "16", "32", "64", "?", "coffee"},
	},
}

// DeckByName returns the named deck, falling back to the default deck for
// unknown names so an in-flight round always has a usable snapshot.
func DeckByName(name string) Deck {
	if d, ok := deckCatalog[name]; ok {
		return d
	}
	return deckCatalog[DefaultDeckName]
}

// DeckNames lists the available deck names.
func DeckNames() []string {
	names := make([]string, 0, len(deckCatalog))
	for name := range deckCatalog {
		names = append(names, name)
	}
	return names
}
