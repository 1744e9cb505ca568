package domain

import (
	"sort"
	"strings"
)

// Direction is a navigation step through the display order.
type Direction int

const (
	Next     Direction = 1
	Previous Direction = -1
)

// ParseDirection accepts "next", "previous" or "prev" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "next", "":
		return Next, nil
	case "previous", "prev":
		return Previous, nil
	}
	return 0, ErrInvalidDirection
}

// DisplayOrder returns a copy of versions with "original" first and the rest
// newest first. Versions with equal timestamps keep their insertion order.
func DisplayOrder(versions []Version) []Version {
	out := append([]Version(nil), versions...)
	sort.SliceStable(out, func(i, j int) bool {
		oi := out[i].VersionID == OriginalVersionID
		oj := out[j].VersionID == OriginalVersionID
		if oi != oj {
			return oi
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Adjacent walks the display order from currentID in direction dir, wrapping
// around, and returns the first completed version with an image. With a single
// navigable version it returns that version.
func Adjacent(versions []Version, currentID string, dir Direction) (Version, error) {
	if dir != Next && dir != Previous {
		return Version{}, ErrInvalidDirection
	}
	ordered := DisplayOrder(versions)
	cur := -1
	for i, v := range ordered {
		if v.VersionID == currentID {
			cur = i
			break
		}
	}
	if cur < 0 {
		return Version{}, ErrVersionNotFound
	}
	n := len(ordered)
	for step := 1; step <= n; step++ {
		idx := ((cur+step*int(dir))%n + n) % n
		if ordered[idx].Navigable() {
			return ordered[idx], nil
		}
	}
	return Version{}, ErrNoNavigableVersion
}
