package features

import (
	"fmt"
	"sort"

	"github.com/raaihank/ad-sentinel/internal/flow"
)

// Variant combines a text extractor with auxiliary attributes. A nil
// Extract means the variant has no vocabulary columns.
type Variant struct {
	Name    string
	Extract TextExtractor
	Aux     []AttributeSpec
}

var variants = map[string]Variant{
	"url_path": {Name: "url_path", Extract: URIPath},
	"url":      {Name: "url", Extract: URIHost},
	"url_headers": {
		Name:    "url_headers",
		Extract: URIHeaders,
	},
	"url_easylist": {
		Name:    "url_easylist",
		Extract: URIEasyList,
	},
	"url_headers_apps": {
		Name:    "url_headers_apps",
		Extract: URIHeaders,
		Aux:     []AttributeSpec{{Field: FieldPackageName, Kind: KindCategorical, Unknown: true}},
	},
	"url_headers_pii": {
		Name:    "url_headers_pii",
		Extract: URIHeaders,
		Aux:     []AttributeSpec{{Field: FieldPIITypes, Kind: KindCount}},
	},
	"domain": {
		Name: "domain",
		Aux:  []AttributeSpec{{Field: FieldDomain, Kind: KindCategorical}},
	},
	"host": {
		Name: "host",
		Aux:  []AttributeSpec{{Field: FieldHost, Kind: KindCategorical}},
	},
	"network_layer": {
		Name: "network_layer",
		Aux: []AttributeSpec{
			{Field: FieldDstPort, Kind: KindNumeric},
			{Field: FieldDstIP, Kind: KindNumeric},
		},
	},
}

// LookupVariant returns the named variant.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown trainer variant: %s", name)
	}
	return v, nil
}

// VariantNames lists the registered variants in lexical order.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Text returns the extracted text of rec, or "" for variants without text.
func (v Variant) Text(rec *flow.Record) string {
	if v.Extract == nil {
		return ""
	}
	return v.Extract(rec)
}
