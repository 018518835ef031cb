// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hostsupdater

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	beginMarker = "# begin mongorole replica set aliases"
	endMarker   = "# end mongorole replica set aliases"
)

// Entry maps a member alias to an address.
type Entry struct {
	IP    string
	Alias string
}

func (e Entry) String() string {
	return e.IP + " " + e.Alias
}

func (e Entry) key() string {
	return e.IP + " " + strings.ToLower(e.Alias)
}

// errUnterminatedBlock is returned for a hosts file whose managed block
// has no end marker. Where the block was meant to end can't be known, so
// the file is left for an operator to repair.
var errUnterminatedBlock = errors.NotValidf("managed block without %q", endMarker)

// parseBlock returns the entries in the managed block of a hosts file.
func parseBlock(content []byte) ([]Entry, error) {
	var entries []Entry
	inBlock := false
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == beginMarker:
			inBlock = true
		case line == endMarker:
			inBlock = false
		case inBlock:
			fields := strings.Fields(line)
			if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
				continue
			}
			for _, alias := range fields[1:] {
				entries = append(entries, Entry{IP: fields[0], Alias: alias})
			}
		}
	}
	if inBlock {
		return nil, errUnterminatedBlock
	}
	return entries, nil
}

// diffEntries returns the entries only in want and only in have.
// Aliases are compared without regard to case.
func diffEntries(have, want []Entry) (added, removed []string) {
	haveKeys, wantKeys := set.NewStrings(), set.NewStrings()
	for _, e := range have {
		haveKeys.Add(e.key())
	}
	for _, e := range want {
		wantKeys.Add(e.key())
	}
	return wantKeys.Difference(haveKeys).SortedValues(), haveKeys.Difference(wantKeys).SortedValues()
}

// renderHosts returns content with its managed block replaced by one
// holding entries. A missing block is appended.
func renderHosts(content []byte, entries []Entry) ([]byte, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Alias < sorted[j].Alias
	})
	var block bytes.Buffer
	fmt.Fprintln(&block, beginMarker)
	for _, e := range sorted {
		fmt.Fprintln(&block, e.String())
	}
	fmt.Fprintln(&block, endMarker)

	var out bytes.Buffer
	written, inBlock := false, false
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case beginMarker:
			inBlock = true
			continue
		case endMarker:
			if inBlock && !written {
				out.Write(block.Bytes())
				written = true
			}
			inBlock = false
			continue
		}
		if !inBlock {
			fmt.Fprintln(&out, line)
		}
	}
	if inBlock {
		return nil, errUnterminatedBlock
	}
	if !written {
		out.Write(block.Bytes())
	}
	return out.Bytes(), nil
}
