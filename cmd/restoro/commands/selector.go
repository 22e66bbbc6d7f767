package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openrestore/openrestore/pkg/restore"
)

// consoleSelector prompts on the terminal for image and device choices.
// It never mutates cloud state; cancelling at any prompt aborts the run
// before the first mutation.
type consoleSelector struct {
	in  *bufio.Scanner
	out io.Writer
}

func newConsoleSelector() *consoleSelector {
	return &consoleSelector{
		in:  bufio.NewScanner(os.Stdin),
		out: os.Stdout,
	}
}

var _ restore.Selector = (*consoleSelector)(nil)

// SelectImage shows the candidates most recent first and reads one index.
func (s *consoleSelector) SelectImage(ctx context.Context, candidates []restore.Image) (restore.Image, error) {
	if len(candidates) == 0 {
		return restore.Image{}, restore.NewNotFoundError("no candidate images", nil)
	}

	fmt.Fprintln(s.out, styleBanner.Render("Available AMIs (most recent first):"))
	for i, img := range candidates {
		fmt.Fprintf(s.out, "  %d) %-21s %-19s %s\n",
			i+1, img.ID, img.CreatedAt.Format("2006-01-02 15:04:05"), img.Name)
	}

	for {
		line, err := s.readLine(ctx, fmt.Sprintf("Select AMI [1-%d, q to cancel]: ", len(candidates)))
		if err != nil {
			return restore.Image{}, err
		}
		indices, err := restore.ParseSelection(line, len(candidates))
		if err != nil {
			if errors.Is(err, restore.ErrSelectionCancelled) {
				return restore.Image{}, err
			}
			fmt.Fprintln(s.out, styleError.Render(err.Error()))
			continue
		}
		if len(indices) != 1 {
			fmt.Fprintln(s.out, styleError.Render("select exactly one AMI"))
			continue
		}
		return candidates[indices[0]], nil
	}
}

// SelectDevices shows the image block-device mapping and reads a subset.
func (s *consoleSelector) SelectDevices(ctx context.Context, candidates []restore.ImageBlockDevice) ([]restore.ImageBlockDevice, error) {
	fmt.Fprintln(s.out, styleBanner.Render("Devices in the selected AMI:"))
	for i, dev := range candidates {
		fmt.Fprintf(s.out, "  %d) %-12s %-23s %4d GiB %s\n",
			i+1, dev.DeviceName, dev.SnapshotID, dev.SizeGiB, dev.VolumeType)
	}

	for {
		line, err := s.readLine(ctx, "Select devices to restore [e.g. 1,3 or all, q to cancel]: ")
		if err != nil {
			return nil, err
		}
		indices, err := restore.ParseSelection(line, len(candidates))
		if err != nil {
			if errors.Is(err, restore.ErrSelectionCancelled) {
				return nil, err
			}
			fmt.Fprintln(s.out, styleError.Render(err.Error()))
			continue
		}
		selected := make([]restore.ImageBlockDevice, 0, len(indices))
		for _, idx := range indices {
			selected = append(selected, candidates[idx])
		}
		return selected, nil
	}
}

// Confirm asks for explicit approval before the first mutating phase.
func (s *consoleSelector) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintln(s.out, styleWarn.Render(prompt))
	for {
		line, err := s.readLine(ctx, "Proceed? [y/N]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "", "n", "no", "q", "quit":
			return false, nil
		default:
			fmt.Fprintln(s.out, styleError.Render("answer y or n"))
		}
	}
}

// readLine prints the prompt and reads one input line. Context cancellation
// is checked before each read; the read itself blocks on stdin.
func (s *consoleSelector) readLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(s.out, stylePrompt.Render(prompt))
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", fmt.Errorf("failed to read selection: %w", err)
		}
		return "", restore.ErrSelectionCancelled
	}
	return s.in.Text(), nil
}
