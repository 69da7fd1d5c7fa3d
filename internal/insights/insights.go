// Package insights derives a natural-language summary and key moments from
// the outputs of the analysis stages. Synthesize is a pure function.
package insights

import (
	"fmt"
	"sort"
	"strings"

	"github.com/videa/videa-pipeline/internal/catalog"
)

const (
	// DominantLabels is the size of the dominant-content set.
	DominantLabels = 5
	// MaxKeyMoments caps the number of key moments per video.
	MaxKeyMoments = 5
	// ExcerptRunes is the transcript excerpt length in the summary.
	ExcerptRunes = 100

	sceneLabelThreshold   = 3
	emotionMomentMinScore = 90
	personLabel           = "Person"
)

type Insights struct {
	Summary    string
	KeyMoments []catalog.KeyMoment
}

// Synthesize builds the summary and key moments. The result depends only on
// the arguments, including their order.
func Synthesize(labels []catalog.Label, faces []catalog.Face, transcript string) Insights {
	dominant := DominantLabelNames(labels, DominantLabels)
	return Insights{
		Summary:    buildSummary(dominant, len(faces), transcript),
		KeyMoments: mergeMoments(sceneMoments(labels), faceMoments(faces)),
	}
}

// DominantLabelNames returns the n most frequent label names. Equal counts
// are ordered by first appearance.
func DominantLabelNames(labels []catalog.Label, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, l := range labels {
		if _, ok := counts[l.Name]; !ok {
			order = append(order, l.Name)
		}
		counts[l.Name]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order
}

func buildSummary(dominant []string, faceCount int, transcript string) string {
	var b strings.Builder
	b.WriteString("This video appears to be about ")

	var setting []string
	hasPerson := false
	for _, name := range dominant {
		if name == personLabel {
			hasPerson = true
			continue
		}
		setting = append(setting, name)
	}

	if hasPerson {
		fmt.Fprintf(&b, "people (%d detected)", faceCount)
	}
	switch {
	case len(setting) > 0 && hasPerson:
		b.WriteString(" in a setting with " + strings.Join(setting, ", ") + ".")
	case len(setting) > 0:
		b.WriteString("a setting with " + strings.Join(setting, ", ") + ".")
	case hasPerson:
		b.WriteString(".")
	default:
		b.WriteString("unidentified content.")
	}

	if excerpt := strings.TrimSpace(transcript); excerpt != "" {
		b.WriteString(" Based on the audio content, it discusses ")
		b.WriteString(truncateRunes(excerpt, ExcerptRunes))
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// sceneMoments yields one moment per second holding at least three label
// occurrences, in ascending second order.
func sceneMoments(labels []catalog.Label) []catalog.KeyMoment {
	bySecond := make(map[int64][]string)
	var seconds []int64
	for _, l := range labels {
		sec := floorSecond(l.TimestampMs)
		if _, ok := bySecond[sec]; !ok {
			seconds = append(seconds, sec)
		}
		bySecond[sec] = append(bySecond[sec], l.Name)
	}
	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	var moments []catalog.KeyMoment
	for _, sec := range seconds {
		names := bySecond[sec]
		if len(names) < sceneLabelThreshold {
			continue
		}
		moments = append(moments, catalog.KeyMoment{
			TimeSeconds: sec,
			Description: "Scene with " + strings.Join(names[:sceneLabelThreshold], ", "),
		})
	}
	return moments
}

// faceMoments yields the first appearance and every strong emotion, in
// face time order.
func faceMoments(faces []catalog.Face) []catalog.KeyMoment {
	if len(faces) == 0 {
		return nil
	}
	ordered := make([]catalog.Face, len(faces))
	copy(ordered, faces)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimestampMs < ordered[j].TimestampMs
	})

	moments := []catalog.KeyMoment{{
		TimeSeconds: floorSecond(ordered[0].TimestampMs),
		Description: "First person appears",
	}}
	for _, f := range ordered {
		top, ok := topEmotion(f.Emotions)
		if !ok || top.Confidence <= emotionMomentMinScore {
			continue
		}
		moments = append(moments, catalog.KeyMoment{
			TimeSeconds: floorSecond(f.TimestampMs),
			Description: fmt.Sprintf("Person showing %s expression", strings.ToLower(top.Type)),
		})
	}
	return moments
}

// topEmotion returns the highest-confidence emotion; the first one wins a tie.
func topEmotion(emotions []catalog.Emotion) (catalog.Emotion, bool) {
	if len(emotions) == 0 {
		return catalog.Emotion{}, false
	}
	top := emotions[0]
	for _, e := range emotions[1:] {
		if e.Confidence > top.Confidence {
			top = e
		}
	}
	return top, true
}

// mergeMoments concatenates the candidate lists, orders them by time,
// keeps the first moment seen for each second and caps the result.
func mergeMoments(lists ...[]catalog.KeyMoment) []catalog.KeyMoment {
	var all []catalog.KeyMoment
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TimeSeconds < all[j].TimeSeconds
	})

	out := make([]catalog.KeyMoment, 0, MaxKeyMoments)
	seen := make(map[int64]bool)
	for _, m := range all {
		if seen[m.TimeSeconds] {
			continue
		}
		seen[m.TimeSeconds] = true
		out = append(out, m)
		if len(out) == MaxKeyMoments {
			break
		}
	}
	return out
}

func floorSecond(ms int64) int64 {
	if ms < 0 {
		return -((-ms + 999) / 1000)
	}
	return ms / 1000
}
