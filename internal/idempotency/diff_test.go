package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/idem/internal/canon"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		original string
		current  string
		want     []string
	}{
		{
			name:     "identical",
			original: `{"a":1,"b":[1,2]}`,
			current:  `{"b":[1,2],"a":1}`,
			want:     nil,
		},
		{
			name:     "nested string change",
			original: `{"customer_info":{"name":"Ada","phone":"+1-555-0100"}}`,
			current:  `{"customer_info":{"name":"Ada","phone":"+1-555-9999"}}`,
			want:     []string{"customer_info.phone: '+1-555-0100' → '+1-555-9999'"},
		},
		{
			name:     "keys visited in sorted order",
			original: `{"z":1,"a":1,"m":{"y":true,"b":false}}`,
			current:  `{"z":2,"a":0,"m":{"y":false,"b":true}}`,
			want: []string{
				"a: 1 → 0",
				"m.b: false → true",
				"m.y: true → false",
				"z: 1 → 2",
			},
		},
		{
			name:     "absent fields",
			original: `{"a":1,"gone":"x"}`,
			current:  `{"a":1,"added":null}`,
			want: []string{
				"added: <absent> → null",
				"gone: 'x' → <absent>",
			},
		},
		{
			name:     "array indices",
			original: `{"items":[{"sku":"A","qty":1},{"sku":"B","qty":2}]}`,
			current:  `{"items":[{"sku":"A","qty":3}]}`,
			want: []string{
				"items[0].qty: 1 → 3",
				`items[1]: {"qty":2,"sku":"B"} → <absent>`,
			},
		},
		{
			name:     "type change reports the whole subtree",
			original: `{"a":{"b":1}}`,
			current:  `{"a":[1]}`,
			want:     []string{`a: {"b":1} → [1]`},
		},
		{
			name:     "root scalar",
			original: `1`,
			current:  `"1"`,
			want:     []string{"$: 1 → '1'"},
		},
		{
			name:     "root array",
			original: `[1,2]`,
			current:  `[1,3,4]`,
			want: []string{
				"[1]: 2 → 3",
				"[2]: <absent> → 4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(canon.MustParse(tt.original), canon.MustParse(tt.current))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_Deterministic(t *testing.T) {
	a := canon.MustParse(`{"k1":1,"k2":2,"k3":3,"k4":4,"k5":5,"k6":6}`)
	b := canon.MustParse(`{"k1":0,"k2":0,"k3":0,"k4":0,"k5":0,"k6":0}`)

	first := Diff(a, b)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Diff(a, b))
	}
	assert.Len(t, first, 6)
}
