package models

// Spec describes one exposed model: its upstream slug, what it costs against
// a credential's quota, and which capabilities it carries.
type Spec struct {
	Name          string
	UpstreamModel string
	CostWeight    int
	// Heavy models are charged against the premium quota bucket and need a
	// Super tier credential.
	Heavy         bool
	RequiresSuper bool
	ImageInput    bool
	ImageGen      bool
	DeepThink     bool
	WebSearch     bool
	VideoGen      bool
}

var catalog = []Spec{
	{
		Name:          "grok-3",
		UpstreamModel: "grok-3",
		CostWeight:    1,
	},
	{
		Name:          "grok-4",
		UpstreamModel: "grok-4",
		CostWeight:    1,
		ImageInput:    true,
		DeepThink:     true,
		WebSearch:     true,
	},
	{
		Name:          "grok-4-fast",
		UpstreamModel: "grok-4-mini-thinking-tahoe",
		CostWeight:    1,
		ImageInput:    true,
		DeepThink:     true,
	},
	{
		Name:          "grok-4-heavy",
		UpstreamModel: "grok-4-heavy",
		CostWeight:    2,
		Heavy:         true,
		RequiresSuper: true,
		ImageInput:    true,
		DeepThink:     true,
		WebSearch:     true,
	},
	{
		Name:          "grok-imagine",
		UpstreamModel: "grok-imagine-0.9",
		CostWeight:    1,
		ImageInput:    true,
		ImageGen:      true,
		VideoGen:      true,
	},
}

var byName = func() map[string]Spec {
	m := make(map[string]Spec, len(catalog))
	for _, s := range catalog {
		m[s.Name] = s
	}
	return m
}()

// Lookup resolves an exposed model name.
func Lookup(name string) (Spec, bool) {
	s, ok := byName[name]
	return s, ok
}

// All returns the catalog in listing order.
func All() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}
