package invokeai

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

var (
	guidanceMin = decimal.Zero
	guidanceMax = decimal.NewFromInt(30)
)

// graphParams is the validated view of a step's resolved parameters. The
// ranges mirror what the backend's denoise node accepts; rejecting them here
// raises invokeai_parameter_error before any network dispatch happens.
type graphParams struct {
	Prompt    string `validate:"required"`
	Width     int    `validate:"gte=64,lte=2048"`
	Height    int    `validate:"gte=64,lte=2048"`
	Steps     int    `validate:"gte=1,lte=150"`
	Scheduler string `validate:"required,oneof=ddim ddpm deis dpmpp_2m dpmpp_2m_k dpmpp_2m_sde dpmpp_2m_sde_k dpmpp_sde dpmpp_sde_k euler euler_k euler_a heun kdpm_2 kdpm_2_a lms lms_k pndm unipc"`
	BatchSize int    `validate:"gte=1,lte=8"`
}

// GraphTranslator builds InvokeAI text-to-image graphs from resolved step
// parameters. The correlation token is written into both the batch origin and
// the metadata node, so it survives whichever path the backend preserves.
type GraphTranslator struct {
	validate *validator.Validate
}

var _ generation.Translator = (*GraphTranslator)(nil)

func NewGraphTranslator() *GraphTranslator {
	return &GraphTranslator{validate: validator.New()}
}

type graphNode map[string]any

type graphEdge struct {
	Source graphEdgeEndpoint `json:"source"`
	Dest   graphEdgeEndpoint `json:"destination"`
}

type graphEdgeEndpoint struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

type graphSpec struct {
	ID    string               `json:"id"`
	Nodes map[string]graphNode `json:"nodes"`
	Edges []graphEdge          `json:"edges"`
}

type batchSpec struct {
	Graph  graphSpec `json:"graph"`
	Runs   int       `json:"runs"`
	Origin string    `json:"origin,omitempty"`
}

type enqueueBatchPayload struct {
	Prepend bool      `json:"prepend"`
	Batch   batchSpec `json:"batch"`
}

// Build validates the step parameters and assembles the enqueue payload.
func (t *GraphTranslator) Build(ctx context.Context, step *generation.Step, model, vae *modelcache.Model) (*generation.InvocationRequest, error) {
	params := graphParams{
		Prompt:    step.Prompt,
		Width:     step.Params.Width,
		Height:    step.Params.Height,
		Steps:     step.Params.Steps,
		Scheduler: step.Params.Scheduler,
		BatchSize: step.Params.BatchSize,
	}
	if err := t.validate.Struct(params); err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeParameter,
			validationMessage(err),
			err, "ae58c3f1-072d-4b96-8a45-d12c7f0e96b3")
	}
	if step.Params.Width%8 != 0 || step.Params.Height%8 != 0 {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeParameter,
			"width and height must be multiples of 8",
			nil, "50d9e2b6-c784-4a13-9f60-3e18a5d7c042")
	}
	if !step.Params.GuidanceScale.GreaterThan(guidanceMin) || step.Params.GuidanceScale.GreaterThan(guidanceMax) {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeParameter,
			"guidance_scale must be greater than 0 and at most 30",
			nil, "17f4a0c8-6e3b-4d59-b2a7-89c5d1e60f34")
	}
	if model == nil || model.Type != modelcache.ModelTypeMain {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeModel,
			"a main model is required to build a graph",
			nil, "c62d8f05-3a91-4be7-80d4-f57e20c9a1b8")
	}

	token := step.BatchID
	if step.CorrelationID != nil && *step.CorrelationID != "" {
		token = *step.CorrelationID
	}
	guidance, _ := step.Params.GuidanceScale.Float64()

	nodes := map[string]graphNode{
		"model_loader": {
			"id":   "model_loader",
			"type": "main_model_loader",
			"model": map[string]string{
				"key":  model.Key,
				"hash": model.Hash,
				"base": model.Base,
			},
		},
		"positive_conditioning": {
			"id":     "positive_conditioning",
			"type":   "compel",
			"prompt": step.Prompt,
		},
		"negative_conditioning": {
			"id":     "negative_conditioning",
			"type":   "compel",
			"prompt": step.NegativePrompt,
		},
		"noise": {
			"id":     "noise",
			"type":   "noise",
			"width":  step.Params.Width,
			"height": step.Params.Height,
		},
		"denoise": {
			"id":        "denoise",
			"type":      "denoise_latents",
			"steps":     step.Params.Steps,
			"cfg_scale": guidance,
			"scheduler": step.Params.Scheduler,
		},
		"latents_to_image": {
			"id":   "latents_to_image",
			"type": "l2i",
		},
		"metadata": {
			"id":               "metadata",
			"type":             "core_metadata",
			metadataTokenName:  token,
			"positive_prompt":  step.Prompt,
			"negative_prompt":  step.NegativePrompt,
			"model":            model.Key,
			"steps":            step.Params.Steps,
			"cfg_scale":        guidance,
			"scheduler":        step.Params.Scheduler,
			"width":            step.Params.Width,
			"height":           step.Params.Height,
		},
	}
	if step.Params.Seed != nil {
		nodes["noise"]["seed"] = *step.Params.Seed
	}
	if vae != nil {
		nodes["vae_loader"] = graphNode{
			"id":   "vae_loader",
			"type": "vae_loader",
			"vae_model": map[string]string{
				"key":  vae.Key,
				"hash": vae.Hash,
				"base": vae.Base,
			},
		}
	}

	edges := []graphEdge{
		edge("model_loader", "clip", "positive_conditioning", "clip"),
		edge("model_loader", "clip", "negative_conditioning", "clip"),
		edge("model_loader", "unet", "denoise", "unet"),
		edge("positive_conditioning", "conditioning", "denoise", "positive_conditioning"),
		edge("negative_conditioning", "conditioning", "denoise", "negative_conditioning"),
		edge("noise", "noise", "denoise", "noise"),
		edge("denoise", "latents", "latents_to_image", "latents"),
		edge("metadata", "metadata", "latents_to_image", "metadata"),
	}
	if vae != nil {
		edges = append(edges, edge("vae_loader", "vae", "latents_to_image", "vae"))
	} else {
		edges = append(edges, edge("model_loader", "vae", "latents_to_image", "vae"))
	}

	payload := &enqueueBatchPayload{
		Batch: batchSpec{
			Graph: graphSpec{
				ID:    fmt.Sprintf("txt2img-%s", step.PublicID),
				Nodes: nodes,
				Edges: edges,
			},
			Runs:   step.Params.BatchSize,
			Origin: token,
		},
	}
	return &generation.InvocationRequest{Payload: payload, Token: token}, nil
}

func edge(srcNode, srcField, dstNode, dstField string) graphEdge {
	return graphEdge{
		Source: graphEdgeEndpoint{NodeID: srcNode, Field: srcField},
		Dest:   graphEdgeEndpoint{NodeID: dstNode, Field: dstField},
	}
}

// validationMessage flattens validator errors into one client-facing line.
func validationMessage(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return "invalid generation parameters"
	}
	first := errs[0]
	switch first.Field() {
	case "Prompt":
		return "prompt is required"
	case "Width", "Height":
		return "width and height must be between 64 and 2048"
	case "Steps":
		return "steps must be between 1 and 150"
	case "Scheduler":
		return "scheduler is not supported"
	case "BatchSize":
		return "batch_size must be between 1 and 8"
	}
	return fmt.Sprintf("invalid value for %s", first.Field())
}
