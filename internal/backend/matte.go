package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/common"
)

// MatteEngine is the primary backend: a trimap-free matting model served
// over multipart HTTP. Slower, better edges.
type MatteEngine struct {
	model string
	cli   *Client
}

func NewMatteEngine(cli *Client, model string) *MatteEngine {
	return &MatteEngine{model: model, cli: cli}
}

func (m *MatteEngine) ID() constants.BackendID { return constants.BackendPrimary }

func (m *MatteEngine) Load(ctx context.Context, mode constants.DeviceMode) error {
	return m.cli.LoadModel(ctx, m.model, mode)
}

func (m *MatteEngine) Unload(ctx context.Context) error {
	return m.cli.UnloadModel(ctx, m.model)
}

// Segment uploads the image as a multipart form and decodes the returned
// RGBA PNG.
func (m *MatteEngine) Segment(ctx context.Context, img image.Image) (*Cutout, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", "input.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode input png: %w", err)
	}
	_ = writer.WriteField("return_mask", "true")
	_ = writer.Close()

	raw, err := m.cli.do(ctx, http.MethodPost, "/models/"+m.model+"/segment", body, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return decodeCutout(raw)
}

func decodeCutout(raw []byte) (*Cutout, error) {
	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, common.NewError(common.KindBackendFailure, "decode result image", err)
	}
	return NewCutout(ToNRGBA(decoded)), nil
}
