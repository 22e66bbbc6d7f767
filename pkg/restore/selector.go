package restore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrSelectionCancelled is returned when the caller cancels a selection.
// Cancellation is not an error class: no cloud resource has been mutated and
// the run simply ends.
var ErrSelectionCancelled = errors.New("selection cancelled")

// SelectionAll is the literal token selecting every candidate.
const SelectionAll = "all"

// Cancel tokens accepted by ParseSelection.
var cancelTokens = map[string]struct{}{"q": {}, "quit": {}}

// ParseSelection parses a selection input against n candidates. Accepted
// forms: a comma-separated list of 1-based indices ("1,3"), the literal
// "all", or a cancel token ("q", "quit"). Returns the selected zero-based
// indices in input order, duplicates removed. Indices outside [1, n] and
// malformed input produce a validation error.
func ParseSelection(input string, n int) ([]int, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if _, ok := cancelTokens[trimmed]; ok {
		return nil, ErrSelectionCancelled
	}
	if trimmed == SelectionAll {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}
	if trimmed == "" {
		return nil, NewValidationError("empty selection", nil)
	}

	seen := make(map[int]struct{})
	var indices []int
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		idx, err := strconv.Atoi(part)
		if err != nil {
			return nil, NewValidationError(fmt.Sprintf("invalid selection %q", part), err)
		}
		if idx < 1 || idx > n {
			return nil, NewValidationError(
				fmt.Sprintf("selection %d out of range [1, %d]", idx, n), nil)
		}
		if _, dup := seen[idx-1]; dup {
			continue
		}
		seen[idx-1] = struct{}{}
		indices = append(indices, idx-1)
	}
	return indices, nil
}

// Selector chooses the source image and (for volume restores) the devices to
// restore. Implementations must not mutate any cloud resource; on
// cancellation they return ErrSelectionCancelled and on bad input a
// validation error.
type Selector interface {
	// SelectImage picks one image from the ordered candidates.
	SelectImage(ctx context.Context, candidates []Image) (Image, error)

	// SelectDevices picks a subset of the image's block devices to restore.
	SelectDevices(ctx context.Context, candidates []ImageBlockDevice) ([]ImageBlockDevice, error)

	// Confirm asks the caller to approve a mutating phase.
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// StaticSelector satisfies Selector with pre-decided choices. It backs
// non-interactive runs (explicit --ami / --devices flags) and test doubles.
type StaticSelector struct {
	// ImageID pins the image choice; empty selects the most recent candidate.
	ImageID string

	// Devices pins the device names; empty selects every candidate.
	Devices []string

	// Approve is the canned answer for Confirm.
	Approve bool
}

// SelectImage returns the pinned image, or the first (most recent) candidate.
func (s *StaticSelector) SelectImage(_ context.Context, candidates []Image) (Image, error) {
	if len(candidates) == 0 {
		return Image{}, NewNotFoundError("no candidate images", nil)
	}
	if s.ImageID == "" {
		return candidates[0], nil
	}
	for _, img := range candidates {
		if img.ID == s.ImageID {
			return img, nil
		}
	}
	return Image{}, NewNotFoundError(fmt.Sprintf("image %s not among candidates", s.ImageID), nil)
}

// SelectDevices returns the pinned devices, validated against the candidates.
func (s *StaticSelector) SelectDevices(_ context.Context, candidates []ImageBlockDevice) ([]ImageBlockDevice, error) {
	if len(s.Devices) == 0 {
		return append([]ImageBlockDevice(nil), candidates...), nil
	}
	byName := make(map[string]ImageBlockDevice, len(candidates))
	for _, c := range candidates {
		byName[c.DeviceName] = c
	}
	selected := make([]ImageBlockDevice, 0, len(s.Devices))
	for _, name := range s.Devices {
		dev, ok := byName[name]
		if !ok {
			return nil, NewValidationError(
				fmt.Sprintf("device %s not present in image block-device mapping", name), nil)
		}
		selected = append(selected, dev)
	}
	return selected, nil
}

// Confirm returns the canned approval.
func (s *StaticSelector) Confirm(context.Context, string) (bool, error) {
	return s.Approve, nil
}

// SortImages orders candidates most recent first by creation time, ties
// broken by image ID descending, and truncates to limit when limit > 0.
// The deterministic order makes index-based selection stable across runs.
func SortImages(images []Image, limit int) []Image {
	sorted := append([]Image(nil), images...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
