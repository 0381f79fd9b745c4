package artifact

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Artifact kinds. Each kind is a subdirectory of the stack directory.
const (
	KindFlow       = "flow"
	KindTrajectory = "trajectory"
	KindVideo      = "video"
)

// Video sources.
const (
	SourceFlow       = "f"
	SourceTrajectory = "t"
)

// maxLetters bounds letter suffixes so ParseLetters cannot overflow an int64.
const maxLetters = 13

var (
	flowTagRe       = regexp.MustCompile(`^f\d+$`)
	trajectoryTagRe = regexp.MustCompile(`^tf\d+[a-z]+$`)
)

// NameFunc maps a sequence index to a file name.
type NameFunc func(i int) string

// IsFlowTag reports whether tag names a stored flow (f0, f1, ...).
func IsFlowTag(tag string) bool { return flowTagRe.MatchString(tag) }

// TagKind returns the artifact kind a tag refers to. Anything other than a
// flow tag or a trajectory tag (tf0a, ...) is rejected.
func TagKind(tag string) (string, error) {
	switch {
	case flowTagRe.MatchString(tag):
		return KindFlow, nil
	case trajectoryTagRe.MatchString(tag):
		return KindTrajectory, nil
	}
	return "", fmt.Errorf("unknown artifact tag %q", tag)
}

// Letters encodes i as a bijective base-26 numeral: 0 is "a", 25 is "z",
// 26 is "aa", 701 is "zz", 702 is "aaa". Negative i has no encoding and
// yields "".
func Letters(i int) string {
	if i < 0 {
		return ""
	}
	var buf []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		buf = append(buf, byte('a'+(n-1)%26))
	}
	for l, r := 0, len(buf)-1; l < r; l, r = l+1, r-1 {
		buf[l], buf[r] = buf[r], buf[l]
	}
	return string(buf)
}

// ParseLetters is the inverse of Letters.
func ParseLetters(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty letter tag")
	}
	if len(s) > maxLetters {
		return 0, fmt.Errorf("letter tag %q longer than %d", s, maxLetters)
	}
	n := 0
	for _, c := range s {
		if c < 'a' || c > 'z' {
			return 0, fmt.Errorf("invalid letter tag %q", s)
		}
		n = n*26 + int(c-'a') + 1
	}
	return n - 1, nil
}

// FlowName names motion fields {stack}_f{i}.npy.
func FlowName(stack string) NameFunc {
	return func(i int) string { return fmt.Sprintf("%s_f%d.npy", stack, i) }
}

// TrajectoryName names trajectories {stack}_t{srcTag}{letters}.npy, where
// srcTag is the tag of the flow they were derived from.
func TrajectoryName(stack, srcTag string) NameFunc {
	return func(i int) string { return fmt.Sprintf("%s_t%s%s.npy", stack, srcTag, Letters(i)) }
}

// VideoName names videos {stack}_v{src}_{i}.mp4.
func VideoName(stack, src string) NameFunc {
	return func(i int) string { return fmt.Sprintf("%s_v%s_%d.mp4", stack, src, i) }
}

// Tag returns the part of the file stem after the last underscore, e.g.
// "f0" for cell_f0.npy or "tf0a" for cell_tf0a.npy.
func Tag(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndexByte(stem, '_'); i >= 0 {
		return stem[i+1:]
	}
	return stem
}
