package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Parse reads 3-line NORAD TLE format from r and returns parsed entries.
// Malformed entries are skipped with a warning log. PRNs are derived with
// AssignPRNs.
func Parse(r io.Reader, logger *slog.Logger) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var entries []Entry
	for i := 0; i+2 < len(lines); {
		name := lines[i]
		line1 := lines[i+1]
		line2 := lines[i+2]

		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed TLE entry", "line_index", i, "name", name)
			i++
			continue
		}
		if len(line1) < 32 {
			logger.Warn("skipping TLE entry with short line1", "name", name)
			i += 3
			continue
		}

		noradStr := strings.TrimSpace(line1[2:7])
		noradID, err := strconv.Atoi(noradStr)
		if err != nil {
			logger.Warn("skipping TLE entry with invalid NORAD ID", "norad_str", noradStr, "name", name)
			i += 3
			continue
		}

		epochStr := strings.TrimSpace(line1[18:32])
		epoch, err := parseEpoch(epochStr)
		if err != nil {
			logger.Warn("skipping TLE entry with invalid epoch", "epoch_str", epochStr, "name", name, "error", err)
			i += 3
			continue
		}

		entries = append(entries, Entry{
			NORADID: noradID,
			Name:    strings.TrimSpace(name),
			Epoch:   epoch,
			Line1:   line1,
			Line2:   line2,
		})
		i += 3
	}

	AssignPRNs(entries)
	return entries, nil
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", s[:2], err)
	}
	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", s[2:], err)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}

// CelesTrak names carry the ranging code in a few shapes:
// "GPS BIIR-2  (PRN 13)", "GSAT0101 (GALILEO-PRN E11)", "BEIDOU-3 M1 (C19)".
var prnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`PRN\s*[A-Z]?0*(\d{1,3})\)`),
	regexp.MustCompile(`\([A-Z]0*(\d{1,3})\)`),
}

// prnFromName extracts the PRN embedded in a satellite name, or 0.
func prnFromName(name string) int {
	for _, re := range prnPatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// AssignPRNs fills in Entry.PRN. Names with an embedded PRN keep it; the
// first entry claiming a PRN wins. The rest (GLONASS names carry no slot)
// are numbered upwards from 1 in NORAD ID order, skipping PRNs in use.
func AssignPRNs(entries []Entry) {
	used := make(map[int]bool, len(entries))
	var pending []int
	for i := range entries {
		prn := prnFromName(entries[i].Name)
		if prn == 0 || used[prn] {
			pending = append(pending, i)
			continue
		}
		entries[i].PRN = prn
		used[prn] = true
	}

	sort.Slice(pending, func(a, b int) bool {
		return entries[pending[a]].NORADID < entries[pending[b]].NORADID
	})
	next := 1
	for _, i := range pending {
		for used[next] {
			next++
		}
		entries[i].PRN = next
		used[next] = true
	}
}
