package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

// TrackedPair identifies one monitored (exchange, asset) address.
type TrackedPair struct {
	Exchange string
	Asset    string
	Address  string
}

// Key is the series identifier, also used as the persisted column name.
func (p TrackedPair) Key() string {
	return p.Exchange + "_" + p.Asset
}

// PairKeys projects pairs to their series keys, preserving order.
func PairKeys(pairs []TrackedPair) []string {
	return lo.Map(pairs, func(p TrackedPair, _ int) string { return p.Key() })
}

// LoadPairs reads an {exchange: {asset: address}} document. Pairs keep the
// order in which they appear in the file.
func LoadPairs(path string) ([]TrackedPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pair file: %v", ErrInvalid, err)
	}
	defer f.Close()

	pairs, err := ParsePairs(f)
	if err != nil {
		return nil, fmt.Errorf("%w: pair file %s: %v", ErrInvalid, path, err)
	}
	return pairs, nil
}

// ParsePairs decodes and validates a pair document.
func ParsePairs(r io.Reader) ([]TrackedPair, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var pairs []TrackedPair
	err := decodeObject(dec, func(exchange string) error {
		return decodeObject(dec, func(asset string) error {
			var address string
			if err := dec.Decode(&address); err != nil {
				return fmt.Errorf("%s.%s: address must be a string: %w", exchange, asset, err)
			}
			pair, err := newPair(exchange, asset, address)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after pair document")
	}

	if len(pairs) == 0 {
		return nil, errors.New("no pairs configured")
	}
	if dups := lo.FindDuplicates(PairKeys(pairs)); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate pairs: %s", strings.Join(dups, ", "))
	}
	return pairs, nil
}

// decodeObject walks one JSON object, invoking fn for each key while the
// decoder is positioned at the value.
func decodeObject(dec *json.Decoder, fn func(key string) error) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected string key, got %v", tok)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	return nil
}

func newPair(exchange, asset, address string) (TrackedPair, error) {
	exchange = strings.TrimSpace(exchange)
	asset = strings.TrimSpace(asset)
	address = strings.TrimSpace(address)

	if exchange == "" || asset == "" {
		return TrackedPair{}, errors.New("exchange and asset names must be non-empty")
	}
	if address == "" {
		return TrackedPair{}, fmt.Errorf("%s.%s: empty address", exchange, asset)
	}
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		if !common.IsHexAddress(address) {
			return TrackedPair{}, fmt.Errorf("%s.%s: malformed EVM address %q", exchange, asset, address)
		}
		address = common.HexToAddress(address).Hex()
	}
	return TrackedPair{Exchange: exchange, Asset: asset, Address: address}, nil
}
