// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"testing"

	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
)

func entriesFor(versions ...string) []kv.Entry {
	var out []kv.Entry
	for i, v := range versions {
		out = append(out, kv.Entry{
			Key: fmt.Sprintf("artifact/acme/widget/%s/default", v),
			Value: fmt.Appendf(nil,
				`{"namespace":"acme","name":"widget","version":%q,"variant":"default","blob_digest":"sha256:%02x"}`,
				v, i),
		})
	}
	return out
}

func TestBuildIndexOrdering(t *testing.T) {
	idx, err := buildIndex(entriesFor("1.0.0", "2.0.0", "1.2.0"), schema.Versioning{Scheme: "semver"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, row := range idx.Versions {
		got = append(got, row.Version)
	}
	want := []string{"2.0.0", "1.2.0", "1.0.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if idx.Latest == nil || idx.Latest.Version != "2.0.0" {
		t.Errorf("latest = %+v, want 2.0.0", idx.Latest)
	}
}

func TestBuildIndexPrereleasePolicy(t *testing.T) {
	entries := entriesFor("1.2.0", "2.0.0-rc.1")

	// Prereleases excluded: the stable 1.2.0 wins even though 2.0.0-rc.1
	// sorts higher.
	idx, err := buildIndex(entries, schema.Versioning{Scheme: "semver"})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Versions[0].Version != "2.0.0-rc.1" {
		t.Errorf("newest listed = %q, want 2.0.0-rc.1", idx.Versions[0].Version)
	}
	if idx.Latest == nil || idx.Latest.Version != "1.2.0" {
		t.Errorf("latest = %+v, want 1.2.0", idx.Latest)
	}

	// Prereleases included: 2.0.0-rc.1 wins.
	idx, err = buildIndex(entries, schema.Versioning{Scheme: "semver", IncludePrereleases: true})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Latest == nil || idx.Latest.Version != "2.0.0-rc.1" {
		t.Errorf("latest = %+v, want 2.0.0-rc.1", idx.Latest)
	}
}

func TestBuildIndexOnlyPrereleases(t *testing.T) {
	// No stable release exists; latest falls back to the newest entry
	// rather than resolving to nothing.
	idx, err := buildIndex(entriesFor("1.0.0-beta.1", "1.0.0-beta.2"), schema.Versioning{Scheme: "semver"})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Latest == nil || idx.Latest.Version != "1.0.0-beta.2" {
		t.Errorf("latest = %+v, want 1.0.0-beta.2", idx.Latest)
	}
}

func TestBuildIndexNonSemverSortsLast(t *testing.T) {
	idx, err := buildIndex(entriesFor("not-a-version", "1.0.0"), schema.Versioning{Scheme: "semver"})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Versions[0].Version != "1.0.0" {
		t.Errorf("first = %q, want the parseable version", idx.Versions[0].Version)
	}
	if idx.Latest == nil || idx.Latest.Version != "1.0.0" {
		t.Errorf("latest = %+v, want 1.0.0", idx.Latest)
	}
}

func TestBuildIndexEmpty(t *testing.T) {
	idx, err := buildIndex(nil, schema.Versioning{Scheme: "semver"})
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Versions) != 0 || idx.Latest != nil {
		t.Errorf("idx = %+v, want empty", idx)
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"false", false},
		{"0", int64(0)},
		{"4096", int64(4096)},
		{"01", "01"},
		{"1.2.0", "1.2.0"},
		{"sha256:ab", "sha256:ab"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := coerce(tc.in); got != tc.want {
			t.Errorf("coerce(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
