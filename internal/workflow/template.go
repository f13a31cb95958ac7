package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Source names a value derived from the job that a binding writes into the graph
type Source string

const (
	SourceStartImage     Source = "start_image"
	SourceEndImage       Source = "end_image"
	SourcePositivePrompt Source = "positive_prompt"
	SourceNegativePrompt Source = "negative_prompt"
	SourceSteps          Source = "steps"
	SourceSplitStep      Source = "split_step"
	SourceResolution     Source = "resolution"
	SourceWidth          Source = "width"
	SourceHeight         Source = "height"
	SourceFrameLength    Source = "frame_length"
	SourceSeed           Source = "seed"
	SourceModel          Source = "model"
)

// Binding writes one source value into one node input field
type Binding struct {
	Node   string
	Label  string // human-readable node description used in errors
	Field  string
	Source Source
	// Optional bindings still require the node but skip the write when the
	// value is empty.
	Optional bool
}

// OutputRule selects which history outputs are collected. An empty Nodes list
// means every output node, visited in sorted ID order.
type OutputRule struct {
	Nodes  []string
	Fields []string
}

// Shape selects the response layout
type Shape string

const (
	ShapeFrames         Shape = "frames"          // {frames, metadata}
	ShapeOutputMetadata Shape = "output_metadata" // {output, metadata}
	ShapeOutput         Shape = "output"          // {output}
)

// Template describes how a deployment's workflow file is driven
type Template struct {
	Name     string
	Bindings []Binding
	Output   OutputRule
	Shape    Shape
	Format   string
	// UseDuration derives frame_length from duration_seconds
	UseDuration bool
}

// Nodes returns the distinct node IDs referenced by the bindings, in binding order
func (t *Template) Nodes() []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, b := range t.Bindings {
		if !seen[b.Node] {
			seen[b.Node] = true
			nodes = append(nodes, b.Node)
		}
	}
	return nodes
}

// Values resolves every binding source for a job
func Values(p Params, startFile, endFile string) map[Source]interface{} {
	width, height := Dimensions(p.Resolution)
	values := map[Source]interface{}{
		SourceStartImage:     startFile,
		SourceEndImage:       endFile,
		SourcePositivePrompt: p.PositivePrompt,
		SourceNegativePrompt: p.NegativePrompt,
		SourceSteps:          p.Steps,
		SourceSplitStep:      p.SplitStep(),
		SourceResolution:     p.Resolution,
		SourceWidth:          width,
		SourceHeight:         height,
		SourceFrameLength:    p.FrameLength,
		SourceSeed:           p.Seed,
	}
	if p.Model != "" {
		values[SourceModel] = p.Model
	}
	return values
}

func interpolateBindings() []Binding {
	return []Binding{
		{Node: "148", Label: "Start Image", Field: "image", Source: SourceStartImage},
		{Node: "149", Label: "End Image", Field: "image", Source: SourceEndImage},
		{Node: "134", Label: "Positive Prompt", Field: "text", Source: SourcePositivePrompt},
		{Node: "137", Label: "Negative Prompt", Field: "text", Source: SourceNegativePrompt},
		{Node: "150", Label: "Steps", Field: "value", Source: SourceSteps},
		{Node: "151", Label: "Split Step", Field: "value", Source: SourceSplitStep},
		{Node: "147", Label: "Resolution", Field: "value", Source: SourceResolution},
		{Node: "156", Label: "WanVideoImageToVideoEncode", Field: "width", Source: SourceWidth},
		{Node: "156", Label: "WanVideoImageToVideoEncode", Field: "height", Source: SourceHeight},
		{Node: "156", Label: "WanVideoImageToVideoEncode", Field: "length", Source: SourceFrameLength},
		{Node: "156", Label: "WanVideoImageToVideoEncode", Field: "num_frames", Source: SourceFrameLength},
		{Node: "139", Label: "WanVideoSampler HIGH", Field: "steps", Source: SourceSteps},
		{Node: "139", Label: "WanVideoSampler HIGH", Field: "seed", Source: SourceSeed},
		{Node: "139", Label: "WanVideoSampler HIGH", Field: "end_step", Source: SourceSplitStep},
		{Node: "140", Label: "WanVideoSampler LOW", Field: "steps", Source: SourceSteps},
		{Node: "140", Label: "WanVideoSampler LOW", Field: "seed", Source: SourceSeed},
		{Node: "140", Label: "WanVideoSampler LOW", Field: "start_step", Source: SourceSplitStep},
	}
}

var templates = map[string]*Template{
	"interpolate": {
		Name:     "interpolate",
		Bindings: interpolateBindings(),
		Output:   OutputRule{Nodes: []string{"117"}, Fields: []string{"images"}},
		Shape:    ShapeFrames,
		Format:   "png",
	},
	"video": {
		Name: "video",
		Bindings: append(interpolateBindings(),
			Binding{Node: "145", Label: "WanVideoModelLoader", Field: "model", Source: SourceModel, Optional: true},
		),
		Output:      OutputRule{Fields: []string{"gifs", "video", "images"}},
		Shape:       ShapeOutputMetadata,
		Format:      "mp4",
		UseDuration: true,
	},
	"basic": {
		Name: "basic",
		Bindings: []Binding{
			{Node: "148", Label: "Start Image", Field: "image", Source: SourceStartImage},
			{Node: "149", Label: "End Image", Field: "image", Source: SourceEndImage},
			{Node: "134", Label: "Positive Prompt", Field: "text", Source: SourcePositivePrompt},
			{Node: "137", Label: "Negative Prompt", Field: "text", Source: SourceNegativePrompt},
			{Node: "139", Label: "WanVideoSampler HIGH", Field: "steps", Source: SourceSteps},
			{Node: "139", Label: "WanVideoSampler HIGH", Field: "seed", Source: SourceSeed},
			{Node: "140", Label: "WanVideoSampler LOW", Field: "steps", Source: SourceSteps},
			{Node: "140", Label: "WanVideoSampler LOW", Field: "seed", Source: SourceSeed},
		},
		Output: OutputRule{Fields: []string{"images", "gifs", "video"}},
		Shape:  ShapeOutput,
		Format: "mp4",
	},
}

// Lookup returns the named built-in template
func Lookup(name string) (*Template, error) {
	t, ok := templates[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported workflow template: %s, supported templates: %s",
			name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames lists the built-in template names
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
