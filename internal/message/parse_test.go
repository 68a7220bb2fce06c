package message

import (
	"math"
	"testing"
)

func TestParseQuoteRequest(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		origin      string
		destination string
		weight      float64
		volumeCc    float64
		volumeWt    float64
		pieces      int
		service     string
		complete    bool
	}{
		{
			name:   "route with 到 and kg",
			text:   "上海到杭州 2kg",
			origin: "上海", destination: "杭州", weight: 2, pieces: 1, complete: true,
		},
		{
			name:   "寄到 form",
			text:   "从北京寄到 广州 3.5公斤",
			origin: "北京", destination: "广州", weight: 3.5, pieces: 1, complete: true,
		},
		{
			name:   "jin converts to half kg",
			text:   "深圳到成都 4斤",
			origin: "深圳", destination: "成都", weight: 2, pieces: 1, complete: true,
		},
		{
			name:   "grams convert",
			text:   "南京到武汉 500g",
			origin: "南京", destination: "武汉", weight: 0.5, pieces: 1, complete: true,
		},
		{
			name:   "whitespace format",
			text:   "上海 杭州 2kg",
			origin: "上海", destination: "杭州", weight: 2, pieces: 1, complete: true,
		},
		{
			name:   "volume triple in cm",
			text:   "上海到杭州 2kg 30x40x50",
			origin: "上海", destination: "杭州", weight: 2,
			volumeCc: 60000, pieces: 1, complete: true,
		},
		{
			name:   "explicit volumetric weight",
			text:   "上海到杭州 2kg 体积重 8kg",
			origin: "上海", destination: "杭州", weight: 2,
			volumeWt: 8, pieces: 1, complete: true,
		},
		{
			name:   "pieces",
			text:   "上海到杭州 2kg 3件",
			origin: "上海", destination: "杭州", weight: 2, pieces: 3, complete: true,
		},
		{
			name:   "urgent keyword",
			text:   "上海到杭州 2kg 加急",
			origin: "上海", destination: "杭州", weight: 2, pieces: 1,
			service: "urgent", complete: true,
		},
		{
			name:   "express keyword",
			text:   "上海到杭州 2kg 尽快发",
			origin: "上海", destination: "杭州", weight: 2, pieces: 1,
			service: "express", complete: true,
		},
		{
			name:        "missing weight",
			text:        "寄到杭州多少钱",
			destination: "杭州", pieces: 1, complete: false,
		},
		{
			name:   "missing everything",
			text:   "多少钱",
			pieces: 1, complete: false,
		},
		{
			name:   "question word is not a destination",
			text:   "多少钱 2kg",
			weight: 2, pieces: 1, complete: false,
		},
		{
			name:        "greedy capture trimmed to known place",
			text:        "到杭州多少钱 2kg",
			destination: "杭州", weight: 2, pieces: 1, complete: true,
		},
		{
			name:   "suffixed city accepted in whitespace format",
			text:   "上海市 杭州 2kg",
			origin: "上海市", destination: "杭州", weight: 2, pieces: 1, complete: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseQuoteRequest(tt.text)
			if p.Origin != tt.origin {
				t.Errorf("origin = %q, want %q", p.Origin, tt.origin)
			}
			if p.Destination != tt.destination {
				t.Errorf("destination = %q, want %q", p.Destination, tt.destination)
			}
			if math.Abs(p.WeightKg-tt.weight) > 1e-9 {
				t.Errorf("weight = %v, want %v", p.WeightKg, tt.weight)
			}
			if math.Abs(p.VolumeCc-tt.volumeCc) > 1e-9 {
				t.Errorf("volume = %v, want %v", p.VolumeCc, tt.volumeCc)
			}
			if math.Abs(p.VolumeWeightKg-tt.volumeWt) > 1e-9 {
				t.Errorf("volume weight = %v, want %v", p.VolumeWeightKg, tt.volumeWt)
			}
			if p.Pieces != tt.pieces {
				t.Errorf("pieces = %d, want %d", p.Pieces, tt.pieces)
			}
			if p.ServiceLevel != tt.service {
				t.Errorf("service = %q, want %q", p.ServiceLevel, tt.service)
			}
			if p.Complete() != tt.complete {
				t.Errorf("complete = %v (missing %v), want %v",
					p.Complete(), p.MissingFields, tt.complete)
			}
		})
	}
}

func TestParseMissingFieldNames(t *testing.T) {
	p := ParseQuoteRequest("你好呀")
	if len(p.MissingFields) != 2 {
		t.Fatalf("missing = %v", p.MissingFields)
	}
	if p.MissingFields[0] != "destination" || p.MissingFields[1] != "weight" {
		t.Errorf("missing = %v", p.MissingFields)
	}
}

func TestIsGreeting(t *testing.T) {
	for _, text := range []string{"你好", "您好～", "在吗？", "hi", "Hello", "在不在"} {
		if !IsGreeting(text) {
			t.Errorf("IsGreeting(%q) = false", text)
		}
	}
	for _, text := range []string{"你好，寄到杭州多少钱", "2kg到北京", "报价"} {
		if IsGreeting(text) {
			t.Errorf("IsGreeting(%q) = true", text)
		}
	}
}
