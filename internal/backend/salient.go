package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"

	"github.com/aurelia-labs/shotprep/constants"
)

// SalientEngine is the secondary backend: a lighter salient-object model.
// Coarser masks, much smaller memory footprint.
type SalientEngine struct {
	model string
	cli   *Client
}

func NewSalientEngine(cli *Client, model string) *SalientEngine {
	return &SalientEngine{model: model, cli: cli}
}

func (s *SalientEngine) ID() constants.BackendID { return constants.BackendSecondary }

func (s *SalientEngine) Load(ctx context.Context, mode constants.DeviceMode) error {
	return s.cli.LoadModel(ctx, s.model, mode)
}

func (s *SalientEngine) Unload(ctx context.Context) error {
	return s.cli.UnloadModel(ctx, s.model)
}

// Segment posts the raw PNG body and decodes the returned RGBA PNG.
func (s *SalientEngine) Segment(ctx context.Context, img image.Image) (*Cutout, error) {
	body := &bytes.Buffer{}
	if err := png.Encode(body, img); err != nil {
		return nil, fmt.Errorf("encode input png: %w", err)
	}

	raw, err := s.cli.do(ctx, http.MethodPost, "/models/"+s.model+"/remove", body, "image/png")
	if err != nil {
		return nil, err
	}
	return decodeCutout(raw)
}
