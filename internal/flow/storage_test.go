package flow

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodec(t *testing.T) {
	t.Run("UnsupportedLabelKey", func(t *testing.T) {
		if _, err := NewCodec("is_ad"); err == nil {
			t.Error("Expected error for unsupported label key")
		}
	})

	t.Run("DecodeGroup", func(t *testing.T) {
		codec, _ := NewCodec(LabelKeyAd)
		input := `{
			"r1": {"ad": 1, "domain": "doubleclick.net", "host": "ad.doubleclick.net", "uri": "/track?id=1", "platform": "android", "pii_types": ["imei"], "headers": {"referer": "x"}},
			"r2": {"ad": 0, "domain": "example.com", "host": "www.example.com", "uri": "/index.html", "platform": "android", "pii_types": []}
		}`
		records, err := codec.DecodeGroup(strings.NewReader(input))
		if err != nil {
			t.Fatalf("Failed to decode group: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(records))
		}
		if records["r1"].Label != Positive || records["r1"].ID != "r1" {
			t.Errorf("Unexpected r1: %+v", records["r1"])
		}
		if records["r1"].Headers["referer"] != "x" {
			t.Errorf("Headers not decoded: %v", records["r1"].Headers)
		}
		counts := records.Count()
		if counts.Positive != 1 || counts.Negative != 1 {
			t.Errorf("Unexpected counts: %+v", counts)
		}
		if ids := records.IDs(); ids[0] != "r1" || ids[1] != "r2" {
			t.Errorf("IDs not sorted: %v", ids)
		}
	})

	t.Run("MissingLabel", func(t *testing.T) {
		codec, _ := NewCodec(LabelKeyLabel)
		_, err := codec.DecodeGroup(strings.NewReader(`{"r1": {"ad": 1}}`))
		if err == nil {
			t.Error("Expected error for record without label")
		}
	})

	t.Run("InvalidLabel", func(t *testing.T) {
		codec, _ := NewCodec(LabelKeyAd)
		_, err := codec.DecodeGroup(strings.NewReader(`{"r1": {"ad": 3}}`))
		if err == nil {
			t.Error("Expected error for label outside {0,1}")
		}
	})

	t.Run("EncodeDecode", func(t *testing.T) {
		codec, _ := NewCodec(LabelKeyLabel)
		records := Records{"a": {ID: "a", Label: Positive, Host: "h", URI: "/u"}}
		var buf bytes.Buffer
		if err := codec.EncodeGroup(&buf, records); err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		if !strings.Contains(buf.String(), `"label": 1`) {
			t.Errorf("Label not written under configured key: %s", buf.String())
		}
		back, err := codec.DecodeGroup(&buf)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if back["a"].Label != Positive || back["a"].URI != "/u" {
			t.Errorf("Unexpected record: %+v", back["a"])
		}
	})
}

func TestIndex(t *testing.T) {
	input := `{
		"doubleclick.net_android": {"domain": "doubleclick.net", "platform": "android", "num_samples": 38, "num_positive": 26},
		"general_android": {"domain": "general", "platform": "android", "num_samples": "20", "num_positive": "10"}
	}`

	idx, err := DecodeIndex(strings.NewReader(input), "domain")
	if err != nil {
		t.Fatalf("Failed to decode index: %v", err)
	}

	info := idx["doubleclick.net_android"]
	if info.DomainOS() != "doubleclick.net_android" {
		t.Errorf("Unexpected unit name: %s", info.DomainOS())
	}
	counts := info.Counts()
	if counts.Positive != 26 || counts.Negative != 12 || counts.Total() != 38 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
	if idx["general_android"].NumSamples != 20 {
		t.Errorf("String counts not parsed: %+v", idx["general_android"])
	}

	t.Run("PositiveExceedsTotal", func(t *testing.T) {
		_, err := DecodeIndex(strings.NewReader(`{"k": {"domain": "d", "num_samples": 1, "num_positive": 2}}`), "domain")
		if err == nil {
			t.Error("Expected error when num_positive > num_samples")
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		var buf bytes.Buffer
		if err := EncodeIndex(&buf, idx, "package_name"); err != nil {
			t.Fatalf("Failed to encode index: %v", err)
		}
		back, err := DecodeIndex(&buf, "package_name")
		if err != nil {
			t.Fatalf("Failed to decode index: %v", err)
		}
		if back["doubleclick.net_android"].Value != "doubleclick.net" {
			t.Errorf("Unexpected value: %+v", back["doubleclick.net_android"])
		}
	})
}
