package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Parameter bounds and defaults
const (
	MinSteps     = 4
	MaxSteps     = 20
	DefaultSteps = 8

	MinResolution     = 480
	MaxResolution     = 1080
	DefaultResolution = 640

	MinFrameLength     = 17
	MaxFrameLength     = 129
	DefaultFrameLength = 65

	// FramesPerSecond is used to turn duration_seconds into a frame count
	FramesPerSecond = 16
)

// DefaultNegativePrompt is used when the request does not carry one
const DefaultNegativePrompt = "low quality, lowres, bad hands, extra limbs, missing fingers, poorly drawn face, bad anatomy, blurred, jpeg artifacts, deformed, ugly, bad proportions, disfigured, watermark, text, logo, signature"

// Request input keys
const (
	KeyStartImage     = "start_image_base64"
	KeyEndImage       = "end_image_base64"
	KeyPositivePrompt = "positive_prompt"
	KeyNegativePrompt = "negative_prompt"
	KeySteps          = "steps"
	KeyResolution     = "resolution"
	KeyFrameLength    = "frame_length"
	KeySeed           = "seed"
	KeyDuration       = "duration_seconds"
	KeyModel          = "model"
)

// Params are the clamped request parameters of one job
type Params struct {
	StartImage     string
	EndImage       string
	PositivePrompt string
	NegativePrompt string
	Steps          int
	Resolution     int
	FrameLength    int
	Seed           int64
	Duration       float64
	Model          string

	// frameLengthSet records whether the caller supplied frame_length
	frameLengthSet bool
}

// NormalizeInput trims whitespace around input keys
func NormalizeInput(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// ParseParams coerces and clamps the job input. Missing or unparsable values
// fall back to their defaults. String inputs only take their default when
// the key is absent, so an explicit "" is kept.
func ParseParams(input map[string]interface{}) Params {
	in := NormalizeInput(input)

	p := Params{
		StartImage:     stringValue(in[KeyStartImage], ""),
		EndImage:       stringValue(in[KeyEndImage], ""),
		PositivePrompt: stringValue(in[KeyPositivePrompt], ""),
		NegativePrompt: stringValue(in[KeyNegativePrompt], DefaultNegativePrompt),
		Steps:          ClampSteps(intValue(in[KeySteps], DefaultSteps)),
		Resolution:     ClampResolution(intValue(in[KeyResolution], DefaultResolution)),
		FrameLength:    ClampFrameLength(intValue(in[KeyFrameLength], DefaultFrameLength)),
		Duration:       floatValue(in[KeyDuration], 0),
		Model:          strings.TrimSpace(stringValue(in[KeyModel], "")),
	}
	_, p.frameLengthSet = in[KeyFrameLength]

	p.Seed = int64(intValue(in[KeySeed], 0))
	if p.Seed == 0 {
		p.Seed = RandomSeed()
	}

	return p
}

// HasImages reports whether both required images are present
func (p Params) HasImages() bool {
	return p.StartImage != "" && p.EndImage != ""
}

// SplitStep is the step where the high-noise sampler hands off to the low-noise one
func (p Params) SplitStep() int {
	return SplitStep(p.Steps)
}

// DeriveFrameLengthFromDuration replaces the frame length with one derived
// from duration_seconds, unless the caller set frame_length explicitly.
func (p *Params) DeriveFrameLengthFromDuration() {
	if p.frameLengthSet || p.Duration <= 0 {
		return
	}
	frames := int(math.Round(p.Duration*FramesPerSecond)) + 1
	p.FrameLength = ClampFrameLength(frames)
}

// ClampSteps clamps steps to [MinSteps, MaxSteps]
func ClampSteps(v int) int {
	return clamp(v, MinSteps, MaxSteps)
}

// ClampResolution clamps resolution to [MinResolution, MaxResolution]
func ClampResolution(v int) int {
	return clamp(v, MinResolution, MaxResolution)
}

// ClampFrameLength clamps frame length to [MinFrameLength, MaxFrameLength]
func ClampFrameLength(v int) int {
	return clamp(v, MinFrameLength, MaxFrameLength)
}

// SplitStep returns steps/2 rounded down
func SplitStep(steps int) int {
	return steps / 2
}

// Dimensions maps a clamped resolution to a 16:9 width and height
func Dimensions(resolution int) (width, height int) {
	switch {
	case resolution <= 480:
		return 854, 480
	case resolution <= 640:
		return 1138, 640
	case resolution <= 720:
		return 1280, 720
	default:
		return 1920, 1080
	}
}

// RandomSeed returns a random seed in [0, 2^32-1]
func RandomSeed() int64 {
	return int64(rand.Uint32())
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stringValue(v interface{}, def string) string {
	switch s := v.(type) {
	case nil:
		return def
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func intValue(v interface{}, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return def
		}
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		return def
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
		return def
	default:
		return def
	}
}

func floatValue(v interface{}, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}
