package stages

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
)

// MinLabelConfidence is the threshold below which a detection is noise.
const MinLabelConfidence = 70

// LabelStage runs object and scene label detection.
type LabelStage struct {
	poller   *jobpoll.Poller[[]catalog.Label]
	store    Store
	settings Settings
	logger   *slog.Logger
}

func NewLabelStage(poller *jobpoll.Poller[[]catalog.Label], store Store, settings Settings, logger *slog.Logger) *LabelStage {
	return &LabelStage{poller: poller, store: store, settings: settings.withDefaults(), logger: logger}
}

func (s *LabelStage) Kind() catalog.StageKind {
	return catalog.StageLabels
}

func (s *LabelStage) Run(ctx context.Context, t Target) (Report, error) {
	return instrument(ctx, s.logger, catalog.StageLabels, t, func(ctx context.Context, rep *Report) error {
		spec := jobpoll.Spec{
			SourceLocation: t.SourceLocation,
			Params:         map[string]string{"min_confidence": strconv.Itoa(MinLabelConfidence)},
		}
		_, raw, err := runJob(ctx, s.poller, spec, s.settings, rep)
		if err != nil {
			return err
		}

		labels := NormalizeLabels(raw, MinLabelConfidence)
		rep.Items = len(labels)
		return store(ctx, s.store, t, catalog.StageLabels, catalog.LabelsPayload{Labels: labels})
	})
}

// NormalizeLabels drops detections below minConfidence and orders the rest
// by timestamp. Detections sharing a timestamp keep their reported order.
func NormalizeLabels(raw []catalog.Label, minConfidence float64) []catalog.Label {
	labels := make([]catalog.Label, 0, len(raw))
	for _, l := range raw {
		if l.Name == "" || l.Confidence < minConfidence {
			continue
		}
		labels = append(labels, l)
	}
	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].TimestampMs < labels[j].TimestampMs
	})
	return labels
}
