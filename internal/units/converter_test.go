package units

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackParserConvert(t *testing.T) {
	p := NewPackParser()

	cases := []struct {
		pack     string
		qty      float64
		wantQty  float64
		wantUnit string
		perCase  float64
		label    string
	}{
		{"24 8 OZ", 1, 5443.104, UnitGram, 5443.104, "24 x 8 oz"},
		{"24/8 oz", 2, 10886.208, UnitGram, 5443.104, "24 x 8 oz"},
		{"4X1 GAL", 1, 15141.64, UnitMilliliter, 15141.64, "4 x 1 gal"},
		{"50#", 1, 22679.6, UnitGram, 22679.6, "50 lb"},
		{"12 CT", 3, 36, UnitEach, 12, "12 ct"},
		{"6 1 DZ", 1, 72, UnitEach, 72, "6 x 1 dz"},
		{" 12  32 fl oz ", 1, 11356.224, UnitMilliliter, 11356.224, "12 x 32 fl oz"},
		{"1 KG", 0.5, 500, UnitGram, 1000, "1 kg"},
	}

	for _, tc := range cases {
		t.Run(tc.pack, func(t *testing.T) {
			got, err := p.Convert(tc.pack, tc.qty)
			require.NoError(t, err)
			require.InDelta(t, tc.wantQty, got.BaseQuantity, 1e-6)
			require.Equal(t, tc.wantUnit, got.BaseUnit)
			require.InDelta(t, tc.perCase, got.PerCase, 1e-6)
			require.Equal(t, tc.label, got.CaseLabel)
		})
	}
}

func TestPackParserErrors(t *testing.T) {
	p := NewPackParser()

	_, err := p.Convert("   ", 1)
	require.ErrorIs(t, err, ErrEmptyPack)

	_, err = p.Convert("CASE OF STUFF", 1)
	require.ErrorIs(t, err, ErrUnparsablePack)

	_, err = p.Convert("2 5 CS", 1)
	require.ErrorIs(t, err, ErrUnknownUnit)

	_, err = p.Convert("0 LB", 1)
	require.ErrorIs(t, err, ErrUnparsablePack)
}
