package recorder

import (
	"errors"
	"fmt"
	"time"
)

// Frames must cover the segment's wall-clock span at least at this rate
// for the segment to count as real footage rather than a sparse trickle.
const minFramesPerSecond = 30.0

var errEmptyFrame = errors.New("empty frame payload")

// Policy bundles the thresholds a segment is judged against.
type Policy struct {
	MinFrames      int
	MinDuration    time.Duration
	TargetDuration time.Duration
	MaxDuration    time.Duration
	ErrorCooldown  time.Duration
	MaxErrors      int
}

type recordedFrame struct {
	data []byte
	ts   time.Time
}

// Segment accumulates encoded frames for one stretch of recording. It is
// owned by the manager goroutine and has no locking of its own.
type Segment struct {
	number    int
	hourKey   string
	policy    Policy
	createdAt time.Time

	frames []recordedFrame

	errors      int
	lastErrorAt time.Time
	cleanup     bool
}

func newSegment(number int, hourKey string, now time.Time, policy Policy) *Segment {
	return &Segment{
		number:    number,
		hourKey:   hourKey,
		policy:    policy,
		createdAt: now,
	}
}

// Add appends one encoded frame with its arrival time.
func (s *Segment) Add(data []byte, ts time.Time) error {
	if len(data) == 0 {
		return errEmptyFrame
	}
	s.frames = append(s.frames, recordedFrame{data: data, ts: ts})
	return nil
}

// FrameCount returns the number of buffered frames.
func (s *Segment) FrameCount() int {
	return len(s.frames)
}

// StartTime is the arrival time of the first frame, or the creation time
// while the segment is still empty.
func (s *Segment) StartTime() time.Time {
	if len(s.frames) > 0 {
		return s.frames[0].ts
	}
	return s.createdAt
}

// Duration is the wall-clock span covered by the buffered frames.
func (s *Segment) Duration() time.Duration {
	if len(s.frames) < 2 {
		return 0
	}
	return s.frames[len(s.frames)-1].ts.Sub(s.frames[0].ts)
}

// Age is the time since the segment was created.
func (s *Segment) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// EstimatedKB predicts the encoded size from frame count and output
// dimensions, assuming a 0.15 compression ratio over raw BGR.
func (s *Segment) EstimatedKB() float64 {
	raw := float64(len(s.frames)) * float64(outputWidth) * float64(outputHeight) * 3
	return raw * 0.15 / 1024
}

// Ready reports whether the segment qualifies for a normal save: enough
// frames, enough duration, dense enough coverage, and not condemned.
func (s *Segment) Ready() bool {
	if s.cleanup {
		return false
	}
	if len(s.frames) < s.policy.MinFrames {
		return false
	}
	d := s.Duration()
	if d < s.policy.MinDuration {
		return false
	}
	return float64(len(s.frames)) >= minFramesPerSecond*d.Seconds()
}

// CanMerge reports whether the segment is a merge candidate: it holds
// frames but is not yet ready, and has not been condemned.
func (s *Segment) CanMerge() bool {
	return len(s.frames) > 0 && !s.cleanup && !s.Ready()
}

// NeedsRotation reports whether a new segment should take over: the
// current one spans the target duration, or has simply existed past the
// hard cap while frames trickled in.
func (s *Segment) NeedsRotation(now time.Time) bool {
	return s.Duration() >= s.policy.TargetDuration || s.Age(now) >= s.policy.MaxDuration
}

// MergePriority orders merge work; older segments rank higher.
func (s *Segment) MergePriority(now time.Time) float64 {
	return s.Age(now).Minutes()
}

// RecordError counts a write failure. Failures inside the cooldown window
// collapse into the previous one, so a condemned segment represents
// persistent failure rather than one bad burst.
func (s *Segment) RecordError(now time.Time) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < s.policy.ErrorCooldown {
		return
	}
	s.errors++
	s.lastErrorAt = now
	if s.errors >= s.policy.MaxErrors {
		s.cleanup = true
	}
}

// CanAttempt reports whether enough time has passed since the last
// counted failure to retry a save.
func (s *Segment) CanAttempt(now time.Time) bool {
	if s.cleanup {
		return false
	}
	return s.lastErrorAt.IsZero() || now.Sub(s.lastErrorAt) >= s.policy.ErrorCooldown
}

// CleanupRequired reports whether the segment has been condemned.
func (s *Segment) CleanupRequired() bool {
	return s.cleanup
}

// Absorb appends all of other's frames. Callers sort segments by start
// time first so the merged timeline stays chronological.
func (s *Segment) Absorb(other *Segment) {
	s.frames = append(s.frames, other.frames...)
}

// DropCorruptTail removes trailing frames that lost their JPEG markers,
// which happens when a producer dies mid-write. Returns how many were
// dropped.
func (s *Segment) DropCorruptTail() int {
	dropped := 0
	for len(s.frames) > 0 {
		data := s.frames[len(s.frames)-1].data
		if jpegIntact(data) {
			break
		}
		s.frames = s.frames[:len(s.frames)-1]
		dropped++
	}
	return dropped
}

func jpegIntact(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return data[0] == 0xFF && data[1] == 0xD8 &&
		data[len(data)-2] == 0xFF && data[len(data)-1] == 0xD9
}

// Health is a point-in-time view of one segment for the status API.
type Health struct {
	Number          int     `json:"number"`
	HourKey         string  `json:"hour_key"`
	FrameCount      int     `json:"frame_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	AgeSeconds      float64 `json:"age_seconds"`
	EstimatedKB     float64 `json:"estimated_kb"`
	Ready           bool    `json:"ready"`
	CanMerge        bool    `json:"can_merge"`
	CleanupRequired bool    `json:"cleanup_required"`
	Errors          int     `json:"errors"`
	Current         bool    `json:"current"`
}

func (s *Segment) health(now time.Time, current bool) Health {
	return Health{
		Number:          s.number,
		HourKey:         s.hourKey,
		FrameCount:      len(s.frames),
		DurationSeconds: s.Duration().Seconds(),
		AgeSeconds:      s.Age(now).Seconds(),
		EstimatedKB:     s.EstimatedKB(),
		Ready:           s.Ready(),
		CanMerge:        s.CanMerge(),
		CleanupRequired: s.cleanup,
		Errors:          s.errors,
		Current:         current,
	}
}

// File name schemes. Names carry the segment's start time so files sort
// chronologically inside their hour directory.

func completeFileName(s *Segment) string {
	return fmt.Sprintf("complete_%s_%02d.mp4", s.StartTime().Format("150405"), s.number)
}

func partialFileName(s *Segment) string {
	return fmt.Sprintf("partial_%s_%02d.mp4", s.StartTime().Format("150405"), s.number)
}

func mergedFileName(hour time.Time, now time.Time) string {
	return fmt.Sprintf("merged_%s_%d.mp4", hourFloor(hour).Format("1504"), now.Unix())
}

func completeHourFileName(hour time.Time) string {
	return fmt.Sprintf("complete_hour_%s.mp4", hourFloor(hour).Format("20060102_150405"))
}

func hourKeyOf(t time.Time) string {
	return t.Format("20060102_15")
}

// hourFloor zeroes everything below the hour in local time.
func hourFloor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
