package insights

import (
	"reflect"
	"strings"
	"testing"

	"github.com/videa/videa-pipeline/internal/catalog"
)

func scenarioInputs() ([]catalog.Label, []catalog.Face, string) {
	labels := []catalog.Label{
		{Name: "Person", Confidence: 99, TimestampMs: 0},
		{Name: "Person", Confidence: 98, TimestampMs: 1000},
		{Name: "Dog", Confidence: 90, TimestampMs: 1000},
		{Name: "Tree", Confidence: 85, TimestampMs: 1000},
	}
	faces := []catalog.Face{{
		TimestampMs: 0,
		Confidence:  99,
		Emotions:    []catalog.Emotion{{Type: "HAPPY", Confidence: 95}},
	}}
	return labels, faces, "hello world"
}

func TestSynthesize_Scenario(t *testing.T) {
	labels, faces, transcript := scenarioInputs()
	got := Synthesize(labels, faces, transcript)

	wantSummary := "This video appears to be about people (1 detected) in a setting with Dog, Tree. " +
		"Based on the audio content, it discusses hello world"
	if got.Summary != wantSummary {
		t.Errorf("Summary = %q\nwant      %q", got.Summary, wantSummary)
	}

	want := []catalog.KeyMoment{
		{TimeSeconds: 0, Description: "First person appears"},
		{TimeSeconds: 1, Description: "Scene with Person, Dog, Tree"},
	}
	if !reflect.DeepEqual(got.KeyMoments, want) {
		t.Errorf("KeyMoments = %+v, want %+v", got.KeyMoments, want)
	}
}

func TestSynthesize_Deterministic(t *testing.T) {
	labels, faces, transcript := scenarioInputs()
	first := Synthesize(labels, faces, transcript)
	for i := 0; i < 20; i++ {
		if got := Synthesize(labels, faces, transcript); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestSynthesize_DoesNotMutateInputs(t *testing.T) {
	faces := []catalog.Face{{TimestampMs: 3000}, {TimestampMs: 1000}}
	Synthesize(nil, faces, "")
	if faces[0].TimestampMs != 3000 {
		t.Error("Synthesize reordered the caller's faces")
	}
}

func TestDominantLabelNames_TiesByFirstSeen(t *testing.T) {
	var labels []catalog.Label
	for _, n := range []string{"Car", "Road", "Sky", "Car", "Tree", "Road", "Sign", "Bird"} {
		labels = append(labels, catalog.Label{Name: n})
	}

	got := DominantLabelNames(labels, 5)
	want := []string{"Car", "Road", "Sky", "Tree", "Sign"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DominantLabelNames() = %v, want %v", got, want)
	}
}

func TestSummary_Variants(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		faces      int
		transcript string
		want       string
	}{
		{
			name:   "setting only",
			labels: []string{"Beach", "Ocean"},
			want:   "This video appears to be about a setting with Beach, Ocean.",
		},
		{
			name:   "person only",
			labels: []string{"Person"},
			faces:  2,
			want:   "This video appears to be about people (2 detected).",
		},
		{
			name: "nothing detected",
			want: "This video appears to be about unidentified content.",
		},
		{
			name:       "blank transcript ignored",
			labels:     []string{"Car"},
			transcript: "   ",
			want:       "This video appears to be about a setting with Car.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var labels []catalog.Label
			for _, n := range tt.labels {
				labels = append(labels, catalog.Label{Name: n})
			}
			faces := make([]catalog.Face, tt.faces)
			if got := Synthesize(labels, faces, tt.transcript).Summary; got != tt.want {
				t.Errorf("Summary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummary_TruncatesTranscriptByRunes(t *testing.T) {
	transcript := strings.Repeat("é", 150)
	got := Synthesize(nil, nil, transcript).Summary

	wantSuffix := " Based on the audio content, it discusses " + strings.Repeat("é", 100) + "..."
	if !strings.HasSuffix(got, wantSuffix) {
		t.Errorf("Summary = %q, want suffix of 100 runes plus ellipsis", got)
	}

	exact := strings.Repeat("a", 100)
	if got := Synthesize(nil, nil, exact).Summary; strings.HasSuffix(got, "...") {
		t.Error("a 100-rune transcript must not be ellipsized")
	}
}

func TestKeyMoments_Invariants(t *testing.T) {
	var labels []catalog.Label
	for sec := int64(0); sec < 10; sec++ {
		for _, n := range []string{"A", "B", "C", "D"} {
			labels = append(labels, catalog.Label{Name: n, TimestampMs: sec*1000 + 250})
		}
	}
	faces := []catalog.Face{
		{TimestampMs: 1500, Emotions: []catalog.Emotion{{Type: "CALM", Confidence: 92}}},
		{TimestampMs: 200},
		{TimestampMs: 12000, Emotions: []catalog.Emotion{{Type: "SAD", Confidence: 99}}},
	}

	got := Synthesize(labels, faces, "").KeyMoments
	if len(got) > MaxKeyMoments {
		t.Fatalf("len(KeyMoments) = %d, want <= %d", len(got), MaxKeyMoments)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimeSeconds <= got[i-1].TimeSeconds {
			t.Errorf("KeyMoments not strictly increasing at %d: %+v", i, got)
		}
	}
	if got[0].Description != "Scene with A, B, C" {
		t.Errorf("KeyMoments[0] = %+v, want the scene at second 0", got[0])
	}
}

func TestKeyMoments_EmotionThreshold(t *testing.T) {
	faces := []catalog.Face{
		{TimestampMs: 0},
		{TimestampMs: 2000, Emotions: []catalog.Emotion{{Type: "ANGRY", Confidence: 90}}},
		{TimestampMs: 3000, Emotions: []catalog.Emotion{
			{Type: "CALM", Confidence: 40},
			{Type: "SURPRISED", Confidence: 91},
		}},
	}

	got := Synthesize(nil, faces, "").KeyMoments
	want := []catalog.KeyMoment{
		{TimeSeconds: 0, Description: "First person appears"},
		{TimeSeconds: 3, Description: "Person showing surprised expression"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("KeyMoments = %+v, want %+v", got, want)
	}
}

func TestKeyMoments_SceneCountsOccurrences(t *testing.T) {
	labels := []catalog.Label{
		{Name: "Person", TimestampMs: 4000},
		{Name: "Person", TimestampMs: 4100},
		{Name: "Person", TimestampMs: 4900},
	}
	got := Synthesize(labels, nil, "").KeyMoments
	if len(got) != 1 || got[0].Description != "Scene with Person, Person, Person" || got[0].TimeSeconds != 4 {
		t.Errorf("KeyMoments = %+v", got)
	}
}

func TestKeyMoments_EmptyInputs(t *testing.T) {
	got := Synthesize(nil, nil, "")
	if len(got.KeyMoments) != 0 {
		t.Errorf("KeyMoments = %+v, want none", got.KeyMoments)
	}
}
