package invokeai

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

func mainModel() *modelcache.Model {
	return &modelcache.Model{Key: "sdxl-base", Hash: "aaa", Type: modelcache.ModelTypeMain, Base: "sdxl"}
}

func vaeModel() *modelcache.Model {
	return &modelcache.Model{Key: "sdxl-vae", Hash: "bbb", Type: modelcache.ModelTypeVAE, Base: "sdxl"}
}

func validStep() *generation.Step {
	return &generation.Step{
		PublicID: "step_abc",
		BatchID:  "batch_xyz",
		Prompt:   "a lighthouse at dusk",
		Params: generation.ResolvedParams{
			ModelKey:      "sdxl-base",
			ModelHash:     "aaa",
			Width:         1024,
			Height:        768,
			Steps:         30,
			GuidanceScale: decimal.NewFromFloat(7.5),
			Scheduler:     "euler",
			BatchSize:     4,
		},
	}
}

func TestBuildEmbedsTokenInMetadataAndOrigin(t *testing.T) {
	tr := NewGraphTranslator()

	req, err := tr.Build(context.Background(), validStep(), mainModel(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Token != "batch_xyz" {
		t.Fatalf("token = %q, want batch_xyz", req.Token)
	}

	payload, ok := req.Payload.(*enqueueBatchPayload)
	if !ok {
		t.Fatalf("payload type %T", req.Payload)
	}
	if payload.Batch.Origin != "batch_xyz" {
		t.Fatalf("batch origin = %q, want batch_xyz", payload.Batch.Origin)
	}
	meta, ok := payload.Batch.Graph.Nodes["metadata"]
	if !ok {
		t.Fatal("graph has no metadata node")
	}
	if meta[metadataTokenName] != "batch_xyz" {
		t.Fatalf("metadata token = %v, want batch_xyz", meta[metadataTokenName])
	}
	if payload.Batch.Runs != 4 {
		t.Fatalf("runs = %d, want batch size 4", payload.Batch.Runs)
	}
}

func TestBuildPrefersClientCorrelationToken(t *testing.T) {
	tr := NewGraphTranslator()
	step := validStep()
	corr := "c1"
	step.CorrelationID = &corr

	req, err := tr.Build(context.Background(), step, mainModel(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Token != "c1" {
		t.Fatalf("token = %q, want client token c1", req.Token)
	}
	payload := req.Payload.(*enqueueBatchPayload)
	if payload.Batch.Origin != "c1" {
		t.Fatalf("batch origin = %q, want c1", payload.Batch.Origin)
	}
	if payload.Batch.Graph.Nodes["metadata"][metadataTokenName] != "c1" {
		t.Fatalf("metadata token = %v, want c1", payload.Batch.Graph.Nodes["metadata"][metadataTokenName])
	}
}

func TestBuildSeedAndVAENodes(t *testing.T) {
	tr := NewGraphTranslator()
	step := validStep()
	seed := int64(42)
	step.Params.Seed = &seed

	req, err := tr.Build(context.Background(), step, mainModel(), vaeModel())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	payload := req.Payload.(*enqueueBatchPayload)
	if payload.Batch.Graph.Nodes["noise"]["seed"] != seed {
		t.Fatalf("noise seed = %v, want 42", payload.Batch.Graph.Nodes["noise"]["seed"])
	}
	if _, ok := payload.Batch.Graph.Nodes["vae_loader"]; !ok {
		t.Fatal("vae_loader node missing when a vae is resolved")
	}
}

func TestBuildWithoutVAEWiresModelLoaderVAE(t *testing.T) {
	tr := NewGraphTranslator()

	req, err := tr.Build(context.Background(), validStep(), mainModel(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	payload := req.Payload.(*enqueueBatchPayload)
	if _, ok := payload.Batch.Graph.Nodes["vae_loader"]; ok {
		t.Fatal("vae_loader node must not exist without an explicit vae")
	}
	found := false
	for _, e := range payload.Batch.Graph.Edges {
		if e.Source.NodeID == "model_loader" && e.Source.Field == "vae" && e.Dest.NodeID == "latents_to_image" {
			found = true
		}
	}
	if !found {
		t.Fatal("model_loader vae must feed latents_to_image when no vae is set")
	}
}

func TestBuildValidationMatrix(t *testing.T) {
	tr := NewGraphTranslator()

	cases := []struct {
		name   string
		mutate func(*generation.Step)
	}{
		{"empty prompt", func(s *generation.Step) { s.Prompt = "" }},
		{"width too small", func(s *generation.Step) { s.Params.Width = 32 }},
		{"height too large", func(s *generation.Step) { s.Params.Height = 4096 }},
		{"width not multiple of 8", func(s *generation.Step) { s.Params.Width = 1001 }},
		{"zero steps", func(s *generation.Step) { s.Params.Steps = 0 }},
		{"steps too high", func(s *generation.Step) { s.Params.Steps = 500 }},
		{"unknown scheduler", func(s *generation.Step) { s.Params.Scheduler = "warp" }},
		{"batch too large", func(s *generation.Step) { s.Params.BatchSize = 16 }},
		{"zero guidance", func(s *generation.Step) { s.Params.GuidanceScale = decimal.Zero }},
		{"guidance above cap", func(s *generation.Step) { s.Params.GuidanceScale = decimal.NewFromInt(31) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := validStep()
			tc.mutate(step)
			_, err := tr.Build(context.Background(), step, mainModel(), nil)
			if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvokeParameter) {
				t.Fatalf("err = %v, want invokeai_parameter_error", err)
			}
		})
	}
}

func TestBuildRequiresMainModel(t *testing.T) {
	tr := NewGraphTranslator()

	if _, err := tr.Build(context.Background(), validStep(), vaeModel(), nil); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error", err)
	}
	if _, err := tr.Build(context.Background(), validStep(), nil, nil); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error", err)
	}
}
