package stages

import (
	"context"
	"log/slog"
	"sort"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
)

// FaceStage runs face detection with full attribute detail.
type FaceStage struct {
	poller   *jobpoll.Poller[[]catalog.Face]
	store    Store
	settings Settings
	logger   *slog.Logger
}

func NewFaceStage(poller *jobpoll.Poller[[]catalog.Face], store Store, settings Settings, logger *slog.Logger) *FaceStage {
	return &FaceStage{poller: poller, store: store, settings: settings.withDefaults(), logger: logger}
}

func (s *FaceStage) Kind() catalog.StageKind {
	return catalog.StageFaces
}

func (s *FaceStage) Run(ctx context.Context, t Target) (Report, error) {
	return instrument(ctx, s.logger, catalog.StageFaces, t, func(ctx context.Context, rep *Report) error {
		spec := jobpoll.Spec{
			SourceLocation: t.SourceLocation,
			Params:         map[string]string{"face_attributes": "ALL"},
		}
		_, raw, err := runJob(ctx, s.poller, spec, s.settings, rep)
		if err != nil {
			return err
		}

		faces := NormalizeFaces(raw)
		rep.Items = len(faces)
		return store(ctx, s.store, t, catalog.StageFaces, catalog.FacesPayload{Faces: faces, FaceCount: len(faces)})
	})
}

// NormalizeFaces orders faces by timestamp, keeping the reported order for
// equal timestamps.
func NormalizeFaces(raw []catalog.Face) []catalog.Face {
	faces := make([]catalog.Face, len(raw))
	copy(faces, raw)
	sort.SliceStable(faces, func(i, j int) bool {
		return faces[i].TimestampMs < faces[j].TimestampMs
	})
	return faces
}
