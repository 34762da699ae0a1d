// Package framerange converts between lists of frame numbers and the compact range strings used on the
// wire, such as "1-3,7,9-10".
package framerange

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
)

// Style selects the range separator used by Merge.
type Style int

const (
	// StyleHyphen renders ranges as "3-5".
	StyleHyphen Style = iota
	// StyleBlender renders ranges as "3..5", the form render command lines expect.
	StyleBlender
)

func (s Style) separator() string {
	if s == StyleBlender {
		return ".."
	}
	return "-"
}

// Parse expands a range string into a sorted list of frames. Duplicates are kept and the empty
// string yields an empty list.
func Parse(s string) ([]int, error) {
	frames := []int{}
	if strings.TrimSpace(s) == "" {
		return frames, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.Split(part, "-")
		switch len(bounds) {
		case 1:
			frame, err := parseFrame(part, s)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		case 2:
			start, err := parseFrame(bounds[0], s)
			if err != nil {
				return nil, err
			}
			end, err := parseFrame(bounds[1], s)
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
					Name:    "frames",
					Value:   s,
					Message: "range " + part + " is descending",
				})
			}
			for frame := start; frame <= end; frame++ {
				frames = append(frames, frame)
			}
		default:
			return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
				Name:    "frames",
				Value:   s,
				Message: "malformed range " + part,
			})
		}
	}
	sort.Ints(frames)
	return frames, nil
}

func parseFrame(part string, whole string) (int, error) {
	frame, err := strconv.Atoi(strings.TrimSpace(part))
	if err != nil {
		return 0, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "frames",
			Value:   whole,
			Message: "not a frame number: " + part,
		})
	}
	return frame, nil
}

// MustParse is Parse for literals known to be well formed.
func MustParse(s string) []int {
	frames, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return frames
}

// Merge renders frames as a range string. Only runs of three or more consecutive frames become a
// range; a pair stays as two single frames, so [3, 4] renders as "3,4".
func Merge(frames []int, style Style) string {
	frames = Dedup(frames)
	if len(frames) == 0 {
		return ""
	}

	var b strings.Builder
	writeRun := func(start, end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		switch end - start {
		case 0:
			b.WriteString(strconv.Itoa(start))
		case 1:
			b.WriteString(strconv.Itoa(start))
			b.WriteByte(',')
			b.WriteString(strconv.Itoa(end))
		default:
			b.WriteString(strconv.Itoa(start))
			b.WriteString(style.separator())
			b.WriteString(strconv.Itoa(end))
		}
	}

	start, previous := frames[0], frames[0]
	for _, frame := range frames[1:] {
		if frame == previous+1 {
			previous = frame
			continue
		}
		writeRun(start, previous)
		start, previous = frame, frame
	}
	writeRun(start, previous)
	return b.String()
}

// Dedup returns a sorted copy of frames without duplicates.
func Dedup(frames []int) []int {
	sorted := slices.Clone(frames)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

// StartEnd returns the first and last frame of a range string.
func StartEnd(s string) (int, int, error) {
	frames, err := Parse(s)
	if err != nil {
		return 0, 0, err
	}
	if len(frames) == 0 {
		return 0, 0, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: "frames", Value: s, Message: "no frames"})
	}
	return frames[0], frames[len(frames)-1], nil
}

// Chunk splits frames into contiguous groups of size; the last group may be shorter.
func Chunk(frames []int, size int) ([][]int, error) {
	if size <= 0 {
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: "chunk_size", Value: size, Message: "must be positive"})
	}
	chunks := make([][]int, 0, (len(frames)+size-1)/size)
	for start := 0; start < len(frames); start += size {
		end := start + size
		if end > len(frames) {
			end = len(frames)
		}
		chunks = append(chunks, slices.Clone(frames[start:end]))
	}
	return chunks, nil
}
