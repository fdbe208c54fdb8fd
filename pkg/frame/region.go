package frame

import "sort"

// DirtyRegion is a changed rectangle plus its pixels taken from the current frame.
type DirtyRegion struct {
	Rect
	Pix []byte
}

// SortRegions orders regions top-left to bottom-right.
func SortRegions(regions []DirtyRegion) {
	sort.Slice(regions, func(i, j int) bool { return regions[i].Rect.Less(regions[j].Rect) })
}

// Disjoint reports whether no two regions overlap.
func Disjoint(regions []DirtyRegion) bool {
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Overlaps(regions[j].Rect) {
				return false
			}
		}
	}
	return true
}

// Apply patches every region into dst.
func Apply(dst *Frame, regions []DirtyRegion) error {
	for _, r := range regions {
		if err := dst.Patch(r.Rect, r.Pix); err != nil {
			return err
		}
	}
	return nil
}
