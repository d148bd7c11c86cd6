package variant

import (
	"errors"
	"testing"
)

func TestCatalog_SortsAscending(t *testing.T) {
	c := NewCatalog([]Variant{
		{Bandwidth: 1000, Resolution: "1920x1080"},
		{Bandwidth: 100, Resolution: "426x240"},
		{Bandwidth: 500, Resolution: "1280x720"},
	})

	want := []int{100, 500, 1000}
	for rank, bw := range want {
		v, err := c.At(rank)
		if err != nil {
			t.Fatalf("At(%d) error = %v", rank, err)
		}
		if v.Bandwidth != bw {
			t.Errorf("At(%d).Bandwidth = %d, want %d", rank, v.Bandwidth, bw)
		}
	}

	if c.MaxIndex() != 2 {
		t.Errorf("MaxIndex() = %d, want 2", c.MaxIndex())
	}
}

func TestCatalog_SetCopiesInput(t *testing.T) {
	input := []Variant{{Bandwidth: 300}, {Bandwidth: 200}}
	c := NewCatalog(input)

	input[0].Bandwidth = 1

	v, _ := c.At(0)
	if v.Bandwidth != 200 {
		t.Errorf("At(0).Bandwidth = %d, want 200", v.Bandwidth)
	}
	if input[1].Bandwidth != 200 {
		t.Error("Set must not reorder the caller's slice")
	}
}

func TestCatalog_Empty(t *testing.T) {
	c := NewCatalog(nil)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if c.MaxIndex() != -1 {
		t.Errorf("MaxIndex() = %d, want -1", c.MaxIndex())
	}
	if _, err := c.At(0); !errors.Is(err, ErrRankOutOfRange) {
		t.Errorf("At(0) error = %v, want ErrRankOutOfRange", err)
	}
}

func TestCatalog_AtOutOfRange(t *testing.T) {
	c := NewCatalog([]Variant{{Bandwidth: 100}})

	tests := []struct {
		name string
		rank int
	}{
		{"negative", -1},
		{"past end", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.At(tt.rank); !errors.Is(err, ErrRankOutOfRange) {
				t.Errorf("At(%d) error = %v, want ErrRankOutOfRange", tt.rank, err)
			}
		})
	}
}

func TestCatalog_ReplaceWholesale(t *testing.T) {
	c := NewCatalog([]Variant{{Bandwidth: 100}, {Bandwidth: 200}, {Bandwidth: 300}})
	c.Set([]Variant{{Bandwidth: 50}})

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	got := c.Variants()
	if got[0].Bandwidth != 50 {
		t.Errorf("Variants()[0].Bandwidth = %d, want 50", got[0].Bandwidth)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]Variant{{Bandwidth: 0}, {Bandwidth: 10}}); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := Validate([]Variant{{Bandwidth: -1}}); err == nil {
		t.Error("Validate() expected error for negative bandwidth")
	}
}
