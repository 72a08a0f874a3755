package es

import (
	"fmt"
	"log/slog"
)

// Version is an optimistic-concurrency counter. Read models start at 1 on
// their first write and increase by one per successful write. The zero value
// means "does not exist yet".
type Version uint64

func (v Version) Uint64() uint64 { return uint64(v) }
func (v Version) Next() Version  { return v + 1 }

// Expect returns an ErrConcurrencyConflict unless v, the stored version,
// equals expected.
func (v Version) Expect(expected Version) error {
	if v == expected {
		return nil
	}
	if v == 0 {
		return fmt.Errorf("%w: expected version %d, found none", ErrConcurrencyConflict, expected)
	}
	return fmt.Errorf("%w: expected version %d, found %d", ErrConcurrencyConflict, expected, v)
}

func (v Version) SlogAttr() slog.Attr                  { return slog.Uint64("version", uint64(v)) }
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }
