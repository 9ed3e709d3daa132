package plan

type (
	// UIBlueprint is the reasoning contract for the generated interface. It
	// is emitted once by the plan generator and treated as immutable for the
	// remainder of the run: agents receive it verbatim as an immutable
	// context block.
	UIBlueprint struct {
		// Intent is the distilled product intent.
		Intent string `json:"intent"`
		// Modules names the functional modules the interface covers.
		Modules []string `json:"modules,omitempty"`
		// Routes are the navigable views, screens, or pages.
		Routes []BlueprintRoute `json:"routes"`
		// Interactions are required user interactions.
		Interactions []BlueprintInteraction `json:"interactions,omitempty"`
		// States are required UI states (loading, empty, error, ...).
		States []BlueprintState `json:"states,omitempty"`
		// Forms are required form flows.
		Forms []BlueprintForm `json:"forms,omitempty"`
		// AcceptanceGates are the minimum bars reflection scores against.
		AcceptanceGates AcceptanceGates `json:"acceptanceGates"`
	}

	// BlueprintRoute is one navigable view.
	BlueprintRoute struct {
		ID   string `json:"id"`
		Path string `json:"path"`
		Role string `json:"role"`
	}

	// BlueprintInteraction is one required interaction.
	BlueprintInteraction struct {
		ID          string `json:"id"`
		Requirement string `json:"requirement"`
		Mandatory   bool   `json:"mandatory"`
	}

	// BlueprintState is one required UI state.
	BlueprintState struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Mandatory   bool   `json:"mandatory"`
	}

	// BlueprintForm is one required form flow.
	BlueprintForm struct {
		ID         string          `json:"id"`
		Fields     []BlueprintField `json:"fields"`
		Validation string          `json:"validation,omitempty"`
	}

	// BlueprintField is one form field.
	BlueprintField struct {
		Name string `json:"name"`
		// Type is one of text, number, select, textarea, date.
		Type     string `json:"type"`
		Required bool   `json:"required"`
	}

	// AcceptanceGates are the minimum acceptance bars for the run.
	AcceptanceGates struct {
		MinViewCount                    int  `json:"minViewCount"`
		MinDataSurfaceCount             int  `json:"minDataSurfaceCount"`
		MinFormFlowCount                int  `json:"minFormFlowCount"`
		RequireValidationFeedback       bool `json:"requireValidationFeedback"`
		RequireExplicitStateTransitions bool `json:"requireExplicitStateTransitions"`
	}
)

// routePrefix returns the platform-driven route naming prefix: web and
// desktop interfaces are organized in views, mobile in screens, miniprograms
// in pages.
func routePrefix(platform string) string {
	switch platform {
	case "mobile":
		return "screen"
	case "miniprogram":
		return "page"
	default:
		return "view"
	}
}

// buildBlueprint assembles the UI blueprint for a non-repair plan. Brainstorm
// plans add a secondary analysis view plus a cross-view linkage interaction
// and raise the minimum view count to 3.
func buildBlueprint(intent, platform string, strategy RequirementStrategy) *UIBlueprint {
	prefix := routePrefix(platform)
	brainstorm := strategy == StrategyBrainstorm

	bp := &UIBlueprint{
		Intent:  intent,
		Modules: []string{"overview", "management"},
		Routes: []BlueprintRoute{
			{ID: prefix + "-overview", Path: "/", Role: "overview"},
			{ID: prefix + "-list", Path: "/items", Role: "data-list"},
			{ID: prefix + "-detail", Path: "/items/:id", Role: "data-detail"},
		},
		Interactions: []BlueprintInteraction{
			{ID: "create-entry", Requirement: "Create a new record through a validated form", Mandatory: true},
			{ID: "filter-list", Requirement: "Filter and search the primary data list", Mandatory: true},
		},
		States: []BlueprintState{
			{ID: "loading", Description: "Async data surfaces render a loading state", Mandatory: true},
			{ID: "empty", Description: "Empty collections render an explicit empty state", Mandatory: true},
			{ID: "error", Description: "Failed requests surface a recoverable error state", Mandatory: false},
		},
		Forms: []BlueprintForm{
			{
				ID: "primary-entry-form",
				Fields: []BlueprintField{
					{Name: "name", Type: "text", Required: true},
					{Name: "category", Type: "select", Required: true},
					{Name: "notes", Type: "textarea", Required: false},
				},
				Validation: "required fields block submission with inline feedback",
			},
		},
		AcceptanceGates: AcceptanceGates{
			MinViewCount:                    2,
			MinDataSurfaceCount:             1,
			MinFormFlowCount:                1,
			RequireValidationFeedback:       true,
			RequireExplicitStateTransitions: brainstorm,
		},
	}

	if brainstorm {
		bp.Modules = append(bp.Modules, "analysis")
		bp.Routes = append(bp.Routes, BlueprintRoute{
			ID: prefix + "-analysis", Path: "/analysis", Role: "secondary-analysis",
		})
		bp.Interactions = append(bp.Interactions, BlueprintInteraction{
			ID:          "cross-view-linkage",
			Requirement: "Navigating from a list entry opens its detail with shared state",
			Mandatory:   true,
		})
		bp.AcceptanceGates.MinViewCount = 3
	}
	return bp
}
