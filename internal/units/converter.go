package units

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrEmptyPack      = errors.New("empty pack description")
	ErrUnparsablePack = errors.New("unparsable pack description")
	ErrUnknownUnit    = errors.New("unknown pack unit")
)

const (
	UnitGram       = "g"
	UnitMilliliter = "ml"
	UnitEach       = "ea"
)

// Conversion is a received quantity expressed in base units, plus the case
// geometry it was derived from.
type Conversion struct {
	BaseQuantity float64
	BaseUnit     string
	// PerCase is the base quantity in one case (one received unit).
	PerCase   float64
	CaseLabel string
}

// Converter turns a pack description and a received quantity into base units.
type Converter interface {
	Convert(pack string, quantity float64) (Conversion, error)
}

type unitDef struct {
	base   string
	factor float64
	label  string
}

var unitTable = map[string]unitDef{
	"G":    {UnitGram, 1, "g"},
	"GR":   {UnitGram, 1, "g"},
	"KG":   {UnitGram, 1000, "kg"},
	"OZ":   {UnitGram, 28.3495, "oz"},
	"LB":   {UnitGram, 453.592, "lb"},
	"LBS":  {UnitGram, 453.592, "lb"},
	"#":    {UnitGram, 453.592, "lb"},
	"ML":   {UnitMilliliter, 1, "ml"},
	"L":    {UnitMilliliter, 1000, "l"},
	"LT":   {UnitMilliliter, 1000, "l"},
	"LTR":  {UnitMilliliter, 1000, "l"},
	"FLOZ": {UnitMilliliter, 29.5735, "fl oz"},
	"PT":   {UnitMilliliter, 473.176, "pt"},
	"QT":   {UnitMilliliter, 946.353, "qt"},
	"GAL":  {UnitMilliliter, 3785.41, "gal"},
	"EA":   {UnitEach, 1, "ea"},
	"EACH": {UnitEach, 1, "ea"},
	"CT":   {UnitEach, 1, "ct"},
	"PC":   {UnitEach, 1, "pc"},
	"PCS":  {UnitEach, 1, "pc"},
	"DZ":   {UnitEach, 12, "dz"},
}

var (
	packPattern  = regexp.MustCompile(`^(?:(\d+(?:\.\d+)?)\s*(?:/|X|\*|\s)\s*)?(\d+(?:\.\d+)?)\s*([A-Z#]+)\.?$`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// PackParser parses distributor pack strings such as "24 8 OZ", "4/1 GAL",
// "6X5 LB", "50#" or "12 CT".
type PackParser struct{}

func NewPackParser() *PackParser {
	return &PackParser{}
}

func (p *PackParser) Convert(pack string, quantity float64) (Conversion, error) {
	normalized := normalizePack(pack)
	if normalized == "" {
		return Conversion{}, ErrEmptyPack
	}

	m := packPattern.FindStringSubmatch(normalized)
	if m == nil {
		return Conversion{}, fmt.Errorf("%w: %q", ErrUnparsablePack, pack)
	}

	count := 1.0
	if m[1] != "" {
		c, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Conversion{}, fmt.Errorf("%w: %q", ErrUnparsablePack, pack)
		}
		count = c
	}

	size, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Conversion{}, fmt.Errorf("%w: %q", ErrUnparsablePack, pack)
	}

	def, ok := unitTable[m[3]]
	if !ok {
		return Conversion{}, fmt.Errorf("%w: %q in %q", ErrUnknownUnit, m[3], pack)
	}

	if count <= 0 || size <= 0 {
		return Conversion{}, fmt.Errorf("%w: non-positive pack size in %q", ErrUnparsablePack, pack)
	}

	perCase := count * size * def.factor

	return Conversion{
		BaseQuantity: round(quantity * perCase),
		BaseUnit:     def.base,
		PerCase:      round(perCase),
		CaseLabel:    caseLabel(count, size, def.label),
	}, nil
}

func normalizePack(pack string) string {
	s := strings.ToUpper(strings.TrimSpace(pack))
	s = strings.ReplaceAll(s, "FL. OZ", "FLOZ")
	s = strings.ReplaceAll(s, "FL OZ", "FLOZ")
	return spacePattern.ReplaceAllString(s, " ")
}

func caseLabel(count, size float64, unit string) string {
	if count == 1 {
		return fmt.Sprintf("%s %s", formatNumber(size), unit)
	}
	return fmt.Sprintf("%s x %s %s", formatNumber(count), formatNumber(size), unit)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
