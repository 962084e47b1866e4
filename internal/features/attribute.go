package features

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/raaihank/ad-sentinel/internal/flow"
)

// Kind is the encoding of an auxiliary attribute.
type Kind string

const (
	// KindCategorical is one column holding a category code: 1-based
	// position in Categories, len(Categories)+1 for the unknown bucket, or 0.
	KindCategorical Kind = "categorical"
	// KindCount is one column per category, incremented per occurrence.
	KindCount Kind = "count"
	// KindNumeric is one column holding a number read from the record.
	KindNumeric Kind = "numeric"
)

// Record fields usable as auxiliary attributes.
const (
	FieldDomain      = "domain"
	FieldHost        = "host"
	FieldPackageName = "package_name"
	FieldPIITypes    = "pii_types"
	FieldDstPort     = "dst_port"
	FieldDstIP       = "dst_ip"
)

// AttributeSpec declares an auxiliary attribute of a variant.
type AttributeSpec struct {
	Field   string
	Kind    Kind
	Unknown bool
}

// Attribute is an auxiliary attribute with its category list fixed at
// build time.
type Attribute struct {
	Field      string   `json:"field"`
	Kind       Kind     `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	Unknown    bool     `json:"unknown,omitempty"`

	lookup map[string]int
}

func newAttribute(spec AttributeSpec, categories []string) Attribute {
	a := Attribute{
		Field:      spec.Field,
		Kind:       spec.Kind,
		Categories: categories,
		Unknown:    spec.Unknown,
	}
	a.index()
	return a
}

func (a *Attribute) index() {
	a.lookup = make(map[string]int, len(a.Categories))
	for i, c := range a.Categories {
		a.lookup[c] = i
	}
}

// Width returns the number of columns the attribute occupies.
func (a *Attribute) Width() int {
	if a.Kind == KindCount {
		return len(a.Categories)
	}
	return 1
}

// Columns returns the column names of the attribute.
func (a *Attribute) Columns() []string {
	if a.Kind == KindCount {
		cols := make([]string, len(a.Categories))
		for i, c := range a.Categories {
			cols[i] = a.Field + "=" + c
		}
		return cols
	}
	return []string{"aux=" + a.Field}
}

// Code returns the categorical code of value.
func (a *Attribute) Code(value string) float64 {
	if i, ok := a.lookup[value]; ok {
		return float64(i + 1)
	}
	if a.Unknown && value != "" {
		return float64(len(a.Categories) + 1)
	}
	return 0
}

// encode writes the attribute's columns for rec into dst.
func (a *Attribute) encode(dst []float64, rec *flow.Record) {
	switch a.Kind {
	case KindCategorical:
		values := fieldValues(a.Field, rec)
		if len(values) > 0 {
			dst[0] = a.Code(values[0])
		}
	case KindCount:
		for _, v := range fieldValues(a.Field, rec) {
			if i, ok := a.lookup[v]; ok {
				dst[i]++
			}
		}
	case KindNumeric:
		dst[0] = fieldNumber(a.Field, rec)
	}
}

func (a *Attribute) validate() error {
	switch a.Kind {
	case KindCategorical, KindCount:
		seen := make(map[string]bool, len(a.Categories))
		for _, c := range a.Categories {
			if seen[c] {
				return fmt.Errorf("attribute %s: duplicate category %q", a.Field, c)
			}
			seen[c] = true
		}
	case KindNumeric:
	default:
		return fmt.Errorf("attribute %s: unknown kind %q", a.Field, a.Kind)
	}
	return nil
}

// collectCategories gathers the distinct non-empty values of field in
// encounter order.
func collectCategories(field string, records []*flow.Record) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range records {
		for _, v := range fieldValues(field, rec) {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func fieldValues(field string, rec *flow.Record) []string {
	if rec == nil {
		return nil
	}
	switch field {
	case FieldDomain:
		return []string{rec.Domain}
	case FieldHost:
		return []string{rec.Host}
	case FieldPackageName:
		return []string{rec.PackageName}
	case FieldPIITypes:
		return rec.PIITypes
	case FieldDstIP:
		return []string{rec.DstIP}
	case FieldDstPort:
		return []string{strconv.Itoa(rec.DstPort)}
	}
	return nil
}

func fieldNumber(field string, rec *flow.Record) float64 {
	if rec == nil {
		return 0
	}
	switch field {
	case FieldDstPort:
		return float64(rec.DstPort)
	case FieldDstIP:
		return ipv4Number(rec.DstIP)
	}
	return 0
}

// ipv4Number packs an IPv4 address into an unsigned 32-bit number. Anything
// else is 0.
func ipv4Number(s string) float64 {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Unmap().Is4() {
		return 0
	}
	b := addr.Unmap().As4()
	return float64(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}
