package model

import (
	"fmt"
	"math/big"
	"sort"
)

// Amount is a non-negative arbitrary-precision integer. It is encoded as a
// decimal string in JSON so token amounts beyond 64 bits survive round-trips
// without loss.
type Amount struct {
	i big.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.i.SetUint64(v)
	return a
}

// ParseAmount parses a decimal string into an Amount. Negative values and
// malformed input are rejected.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if _, ok := a.i.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if a.i.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	return a, nil
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.i.Sign() == 0
}

// Cmp compares a and b, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.i.Cmp(&b.i)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.i.Add(&a.i, &b.i)
	return out
}

// Sub returns a - b. A negative result indicates a broken accounting
// invariant upstream and panics rather than returning a recoverable error.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.i.Sub(&a.i, &b.i)
	if out.i.Sign() < 0 {
		panic(fmt.Sprintf("balance underflow: %s - %s", a.String(), b.String()))
	}
	return out
}

func (a Amount) String() string {
	return a.i.String()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.i.String() + `"`), nil
}

// UnmarshalJSON decodes a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("amount must be a decimal string, got %s", data)
	}
	parsed, err := ParseAmount(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Balance is a currency aggregate: native amounts keyed by denomination plus
// fungible-token amounts keyed by token contract address. It has value
// semantics; use Clone before mutating a shared instance. Zero-valued entries
// are pruned so absent and zero are indistinguishable.
type Balance struct {
	Native map[string]Amount `json:"native,omitempty"`
	Tokens map[string]Amount `json:"tokens,omitempty"`
}

// Clone returns a deep copy.
func (b Balance) Clone() Balance {
	out := Balance{}
	if len(b.Native) > 0 {
		out.Native = make(map[string]Amount, len(b.Native))
		for k, v := range b.Native {
			out.Native[k] = v
		}
	}
	if len(b.Tokens) > 0 {
		out.Tokens = make(map[string]Amount, len(b.Tokens))
		for k, v := range b.Tokens {
			out.Tokens[k] = v
		}
	}
	return out
}

// IsZero reports whether the balance holds no value in any currency.
func (b Balance) IsZero() bool {
	for _, v := range b.Native {
		if !v.IsZero() {
			return false
		}
	}
	for _, v := range b.Tokens {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Equal compares two balances as order-independent currency-to-amount maps;
// absent entries equal zero.
func (b Balance) Equal(o Balance) bool {
	return mapsEqual(b.Native, o.Native) && mapsEqual(b.Tokens, o.Tokens)
}

func mapsEqual(a, b map[string]Amount) bool {
	for k, v := range a {
		if v.Cmp(b[k]) != 0 {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && !v.IsZero() {
			return false
		}
	}
	return true
}

// Add merges o into b per currency.
func (b *Balance) Add(o Balance) {
	if len(o.Native) > 0 && b.Native == nil {
		b.Native = make(map[string]Amount)
	}
	for k, v := range o.Native {
		b.Native[k] = b.Native[k].Add(v)
	}
	if len(o.Tokens) > 0 && b.Tokens == nil {
		b.Tokens = make(map[string]Amount)
	}
	for k, v := range o.Tokens {
		b.Tokens[k] = b.Tokens[k].Add(v)
	}
}

// Sub removes o from b per currency, pruning entries that reach zero.
// Going negative panics; callers must have verified sufficient balance.
func (b *Balance) Sub(o Balance) {
	for k, v := range o.Native {
		left := b.Native[k].Sub(v)
		if left.IsZero() {
			delete(b.Native, k)
		} else {
			b.Native[k] = left
		}
	}
	for k, v := range o.Tokens {
		left := b.Tokens[k].Sub(v)
		if left.IsZero() {
			delete(b.Tokens, k)
		} else {
			b.Tokens[k] = left
		}
	}
}

// TokenAddrs returns the token contract addresses present in the balance,
// sorted for deterministic iteration.
func (b Balance) TokenAddrs() []string {
	addrs := make([]string, 0, len(b.Tokens))
	for k := range b.Tokens {
		addrs = append(addrs, k)
	}
	sort.Strings(addrs)
	return addrs
}
