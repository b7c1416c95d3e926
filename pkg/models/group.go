package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// GroupHashLength is the number of hex characters kept from the SHA-256
// digest of the canonical group payload.
const GroupHashLength = 16

// NormalizeGroup trims the group name and metadata keys and drops entries
// with empty keys. Returns nil for a group with no usable name.
func NormalizeGroup(g *Group) *Group {
	if g == nil {
		return nil
	}
	name := strings.TrimSpace(g.Name)
	if name == "" {
		return nil
	}
	out := &Group{Name: name}
	if len(g.Metadata) > 0 {
		out.Metadata = make(map[string]MetadataValue, len(g.Metadata))
		for k, v := range g.Metadata {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			out.Metadata[key] = v
		}
	}
	return out
}

// ComputeGroupHash derives the group hash from a normalized group: the first
// 16 hex characters of SHA-256 over the canonical JSON payload
// {"metadata":[[key,value],...],"name":name} with metadata pairs sorted by
// (lowercased key, value). Equal normalized payloads always hash equal.
func ComputeGroupHash(g *Group) string {
	if g == nil || g.Name == "" {
		return ""
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(g.Metadata))
	for k, v := range g.Metadata {
		pairs = append(pairs, pair{k: k, v: v.Value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		ki, kj := strings.ToLower(pairs[i].k), strings.ToLower(pairs[j].k)
		if ki != kj {
			return ki < kj
		}
		return pairs[i].v < pairs[j].v
	})

	payload := struct {
		Metadata [][2]string `json:"metadata"`
		Name     string      `json:"name"`
	}{
		Metadata: make([][2]string, 0, len(pairs)),
		Name:     g.Name,
	}
	for _, p := range pairs {
		payload.Metadata = append(payload.Metadata, [2]string{p.k, p.v})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshalling a struct of strings cannot fail.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:GroupHashLength]
}
