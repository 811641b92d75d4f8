package tle

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	entries, err := Parse(bytes.NewReader(readTestdata(t)), testLogger)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	want := []struct {
		norad int
		prn   int
	}{
		{24876, 13},
		{40889, 24},
		{44204, 38},
	}
	for i, w := range want {
		if entries[i].NORADID != w.norad {
			t.Errorf("entry %d: NORAD = %d, want %d", i, entries[i].NORADID, w.norad)
		}
		if entries[i].PRN != w.prn {
			t.Errorf("entry %d: PRN = %d, want %d", i, entries[i].PRN, w.prn)
		}
	}

	wantEpoch := time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
	if !entries[0].Epoch.Equal(wantEpoch) {
		t.Errorf("epoch = %v, want %v", entries[0].Epoch, wantEpoch)
	}
}

// TestParseSkipsMalformed verifies a broken triplet does not hide the
// entries after it.
func TestParseSkipsMalformed(t *testing.T) {
	data := "JUNK\nnot a line\n" + string(readTestdata(t))
	entries, err := Parse(strings.NewReader(data), testLogger)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestPrnFromName(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"GPS BIIR-2  (PRN 13)", 13},
		{"GPS BIIF-1  (PRN 25)", 25},
		{"GSAT0101 (GALILEO-PRN E11)", 11},
		{"BEIDOU-3 M1 (C19)", 19},
		{"BEIDOU-2 G1 (C01)", 1},
		{"COSMOS 2514 (751)", 0},
		{"COSMOS 2425", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prnFromName(tt.name); got != tt.want {
				t.Errorf("prnFromName(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

// TestAssignPRNs verifies named PRNs are kept, duplicates are renumbered
// and unnamed satellites fill the gaps in NORAD order.
func TestAssignPRNs(t *testing.T) {
	entries := []Entry{
		{NORADID: 300, Name: "COSMOS C"},
		{NORADID: 100, Name: "SAT (PRN 02)"},
		{NORADID: 200, Name: "COSMOS B"},
		{NORADID: 150, Name: "DUP (PRN 02)"},
		{NORADID: 50, Name: "COSMOS A"},
	}
	AssignPRNs(entries)

	want := map[int]int{
		100: 2,
		50:  1,
		150: 3,
		200: 4,
		300: 5,
	}
	for _, e := range entries {
		if e.PRN != want[e.NORADID] {
			t.Errorf("NORAD %d: PRN = %d, want %d", e.NORADID, e.PRN, want[e.NORADID])
		}
	}
}
