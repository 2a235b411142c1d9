package model

import (
	"encoding/json"
	"testing"
)

func amt(t *testing.T, s string) Amount {
	t.Helper()
	a, err := ParseAmount(s)
	if err != nil {
		t.Fatalf("ParseAmount(%q): %v", s, err)
	}
	return a
}

func TestParseAmountRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "-1", "12.5", "abc", "0x10"} {
		if _, err := ParseAmount(s); err == nil {
			t.Errorf("ParseAmount(%q) succeeded, want error", s)
		}
	}
}

func TestAmountBeyond64Bits(t *testing.T) {
	// 2^130, well past uint64.
	const big = "1361129467683753853853498429727072845824"
	a := amt(t, big)
	if a.String() != big {
		t.Errorf("String() = %s, want %s", a.String(), big)
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Errorf("round-trip = %s, want %s", back.String(), big)
	}
}

func TestAmountSubPanicsOnUnderflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Sub below zero did not panic")
		}
	}()
	NewAmount(1).Sub(NewAmount(2))
}

func TestBalanceAddMergesPerDenom(t *testing.T) {
	var b Balance
	b.Add(Balance{Native: map[string]Amount{"atom": NewAmount(123), "eth": NewAmount(789)}})
	b.Add(Balance{Native: map[string]Amount{"atom": NewAmount(456), "btc": NewAmount(12)}})

	want := Balance{Native: map[string]Amount{
		"atom": NewAmount(579),
		"eth":  NewAmount(789),
		"btc":  NewAmount(12),
	}}
	if !b.Equal(want) {
		t.Errorf("balance = %+v, want %+v", b, want)
	}
}

func TestBalanceAddMergesTokens(t *testing.T) {
	foo := "0x1000000000000000000000000000000000000001"
	bar := "0x1000000000000000000000000000000000000002"

	var b Balance
	b.Add(Balance{Tokens: map[string]Amount{foo: NewAmount(12345)}})
	b.Add(Balance{Tokens: map[string]Amount{bar: NewAmount(777)}})
	b.Add(Balance{Tokens: map[string]Amount{foo: NewAmount(23400)}})

	if got := b.Tokens[foo]; got.Cmp(NewAmount(35745)) != 0 {
		t.Errorf("foo = %s, want 35745", got.String())
	}
	if got := b.Tokens[bar]; got.Cmp(NewAmount(777)) != 0 {
		t.Errorf("bar = %s, want 777", got.String())
	}
}

func TestBalanceSubPrunesZeroEntries(t *testing.T) {
	b := Balance{Native: map[string]Amount{"atom": NewAmount(100), "eth": NewAmount(50)}}
	b.Sub(Balance{Native: map[string]Amount{"atom": NewAmount(100), "eth": NewAmount(20)}})

	if _, ok := b.Native["atom"]; ok {
		t.Error("zeroed atom entry not pruned")
	}
	if got := b.Native["eth"]; got.Cmp(NewAmount(30)) != 0 {
		t.Errorf("eth = %s, want 30", got.String())
	}
}

func TestBalanceSubPanicsOnUnderflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Sub past zero did not panic")
		}
	}()
	b := Balance{Native: map[string]Amount{"atom": NewAmount(10)}}
	b.Sub(Balance{Native: map[string]Amount{"atom": NewAmount(11)}})
}

func TestBalanceEqualTreatsAbsentAsZero(t *testing.T) {
	a := Balance{Native: map[string]Amount{"atom": NewAmount(5), "eth": NewAmount(0)}}
	b := Balance{Native: map[string]Amount{"atom": NewAmount(5)}}
	if !a.Equal(b) || !b.Equal(a) {
		t.Error("balances with explicit-zero vs absent entry not equal")
	}

	c := Balance{Native: map[string]Amount{"atom": NewAmount(6)}}
	if a.Equal(c) {
		t.Error("unequal balances reported equal")
	}
}

func TestBalanceCloneIsIndependent(t *testing.T) {
	orig := Balance{Native: map[string]Amount{"atom": NewAmount(10)}}
	cp := orig.Clone()
	cp.Add(Balance{Native: map[string]Amount{"atom": NewAmount(5)}})

	if got := orig.Native["atom"]; got.Cmp(NewAmount(10)) != 0 {
		t.Errorf("original mutated by clone: %s", got.String())
	}
}

func TestBalanceIsZero(t *testing.T) {
	if !(Balance{}).IsZero() {
		t.Error("empty balance not zero")
	}
	if (Balance{Tokens: map[string]Amount{"0x1": NewAmount(1)}}).IsZero() {
		t.Error("non-empty balance reported zero")
	}
}
