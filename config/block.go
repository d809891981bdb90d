package config

import (
	"sort"
	"strings"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/pkg/timestamp"
)

// ItemType enumerates the value types an item descriptor may declare.
type ItemType string

// The item types defined by the protocol.
const (
	TypeBoolean      ItemType = "boolean"
	TypeBulk         ItemType = "bulk"
	TypeNumeric      ItemType = "numeric"
	TypeNumericArray ItemType = "numeric-array"
	TypeEnumerated   ItemType = "enumerated"
	TypeMask         ItemType = "mask"
	TypeString       ItemType = "string"
)

var validItemTypes = map[ItemType]bool{
	TypeBoolean:      true,
	TypeBulk:         true,
	TypeNumeric:      true,
	TypeNumericArray: true,
	TypeEnumerated:   true,
	TypeMask:         true,
	TypeString:       true,
}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool { return validItemTypes[t] }

// Item is one item descriptor within a configuration block.
type Item struct {
	Type        ItemType          `json:"type"`
	Units       string            `json:"units,omitempty"`
	Description string            `json:"description,omitempty"`
	Enumerators map[string]string `json:"enumerators,omitempty"`
	Persist     bool              `json:"persist,omitempty"`
	Gettable    *bool             `json:"gettable,omitempty"`
	Settable    *bool             `json:"settable,omitempty"`
	Initial     any               `json:"initial,omitempty"`
	Poll        float64           `json:"poll,omitempty"`
}

// IsGettable reports whether the item accepts GET requests; unset means
// true.
func (i Item) IsGettable() bool { return i.Gettable == nil || *i.Gettable }

// IsSettable reports whether the item accepts SET requests; unset means
// true.
func (i Item) IsSettable() bool { return i.Settable == nil || *i.Settable }

// Provenance is one entry in a block's chain of handling. Stratum 0 is the
// authoritative daemon; every relay that forwards the block appends an
// entry one stratum higher.
type Provenance struct {
	Stratum  int    `json:"stratum"`
	Hostname string `json:"hostname"`
	Req      int    `json:"req"`
	Pub      int    `json:"pub,omitempty"`
}

// Block is one daemon's contribution to a store.
type Block struct {
	Name       string          `json:"name"`
	Alias      string          `json:"alias,omitempty"`
	UUID       string          `json:"uuid"`
	Time       float64         `json:"time"`
	Hash       string          `json:"hash"`
	Items      map[string]Item `json:"items"`
	Provenance []Provenance    `json:"provenance,omitempty"`
}

// NewBlock assembles a fresh authoritative block: store and key case
// normalized, hash computed, timestamp set to now.
func NewBlock(store, alias, uuid string, items map[string]Item) (*Block, error) {
	block := &Block{
		Name:  store,
		Alias: alias,
		UUID:  uuid,
		Time:  timestamp.Now(),
		Items: items,
	}

	if err := block.Normalize(); err != nil {
		return nil, err
	}
	if err := block.Rehash(); err != nil {
		return nil, err
	}

	return block, nil
}

// Normalize enforces canonical case (lowercase store, uppercase keys) and
// sorts the provenance by stratum. Two keys that collapse to the same
// uppercase spelling are a fatal duplicate.
func (b *Block) Normalize() error {
	b.Name = strings.ToLower(b.Name)
	b.UUID = strings.ToLower(b.UUID)

	fixed := make(map[string]Item, len(b.Items))
	for key, item := range b.Items {
		upper := strings.ToUpper(key)
		if _, dup := fixed[upper]; dup {
			return errors.Newf(errors.KindKey,
				"duplicate key within block %s: %s", b.UUID, upper)
		}
		fixed[upper] = item
	}
	b.Items = fixed

	sort.SliceStable(b.Provenance, func(i, j int) bool {
		return b.Provenance[i].Stratum < b.Provenance[j].Stratum
	})

	return nil
}

// Rehash recomputes the canonical hash over the items section.
func (b *Block) Rehash() error {
	hash, err := HashItems(b.Items)
	if err != nil {
		return err
	}
	b.Hash = hash
	return nil
}

// Stamp refreshes the block's authoritative timestamp. Only the
// originating daemon stamps a block.
func (b *Block) Stamp() {
	b.Time = timestamp.Now()
}

// AddProvenance appends an entry for the given endpoint with the next
// stratum. The new entry is returned.
func (b *Block) AddProvenance(hostname string, req, pub int) Provenance {
	sort.SliceStable(b.Provenance, func(i, j int) bool {
		return b.Provenance[i].Stratum < b.Provenance[j].Stratum
	})

	stratum := 0
	if n := len(b.Provenance); n > 0 {
		stratum = b.Provenance[n-1].Stratum + 1
	}

	entry := Provenance{Stratum: stratum, Hostname: hostname, Req: req, Pub: pub}
	b.Provenance = append(b.Provenance, entry)
	return entry
}

// Origin returns the stratum-0 provenance entry, the authoritative daemon
// for this block.
func (b *Block) Origin() (Provenance, error) {
	for _, entry := range b.Provenance {
		if entry.Stratum == 0 {
			return entry, nil
		}
	}
	return Provenance{}, errors.Newf(errors.KindValue,
		"block %s has no stratum-0 provenance", b.UUID)
}

// Clone returns a deep copy of the block. Caches hand out clones so a
// caller can never mutate cached state.
func (b *Block) Clone() *Block {
	clone := *b

	clone.Items = make(map[string]Item, len(b.Items))
	for key, item := range b.Items {
		if item.Enumerators != nil {
			enums := make(map[string]string, len(item.Enumerators))
			for k, v := range item.Enumerators {
				enums[k] = v
			}
			item.Enumerators = enums
		}
		clone.Items[key] = item
	}

	clone.Provenance = append([]Provenance(nil), b.Provenance...)
	return &clone
}

// Keys returns the block's item keys in sorted order.
func (b *Block) Keys() []string {
	keys := make([]string, 0, len(b.Items))
	for key := range b.Items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
